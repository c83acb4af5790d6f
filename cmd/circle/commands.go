package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/circleapp/circle/core/internal/app"
	"github.com/circleapp/circle/core/internal/config"
	"github.com/circleapp/circle/core/internal/friends"
	"github.com/circleapp/circle/core/internal/location"
)

const usage = `usage: circle [-config path] [-token t] [-lat x -lon y] <command> [args]

commands:
  run                          start the runtime and block until interrupted
  status                       print runtime status
  location now|start|stop      report once, start or stop background reporting
  update check|apply           check and download, or apply a downloaded update
  friend send|accept|decline|cancel|cancel-message|unfriend <id>
  friend listen                print incoming friend requests until interrupted
  version                      print the version
`

type globalFlags struct {
	configPath string
	token      string
	lat, lon   float64
	jsonOut    bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("circle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	var g globalFlags
	fs.StringVar(&g.configPath, "config", "", "config file (default ~/.config/circle/config.toml)")
	fs.StringVar(&g.token, "token", os.Getenv("CIRCLE_TOKEN"), "bearer token")
	fs.Float64Var(&g.lat, "lat", 0, "latitude reported by the headless provider")
	fs.Float64Var(&g.lon, "lon", 0, "longitude reported by the headless provider")
	fs.BoolVar(&g.jsonOut, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	if rest[0] == "version" {
		fmt.Fprintf(stdout, "circle v%s\n", Version)
		return 0
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "circle: %v\n", err)
		return 1
	}

	rt, err := app.New(ctx, cfg, app.Options{
		Provider:  location.StaticProvider{Latitude: g.lat, Longitude: g.lon},
		LogOutput: stderr,
	})
	if err != nil {
		fmt.Fprintf(stderr, "circle: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := dispatch(ctx, rt, g, rest, stdout); err != nil {
		fmt.Fprintf(stderr, "circle: %v\n", err)
		if strings.HasPrefix(err.Error(), "usage") {
			return 2
		}
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, rt *app.Runtime, g globalFlags, args []string, out io.Writer) error {
	switch args[0] {
	case "run":
		rt.Start(ctx)
		<-ctx.Done()
		return nil
	case "status":
		st, err := rt.Status(ctx)
		if err != nil {
			return err
		}
		if g.jsonOut {
			return writeJSON(out, st)
		}
		printStatus(out, st, time.Now())
		return nil
	case "location":
		return locationCmd(ctx, rt, g, args[1:], out)
	case "update":
		return updateCmd(ctx, rt, args[1:], out)
	case "friend":
		return friendCmd(ctx, rt, g, args[1:], out)
	}
	return fmt.Errorf("usage: unknown command %q", args[0])
}

func locationCmd(ctx context.Context, rt *app.Runtime, g globalFlags, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: circle location now|start|stop")
	}
	switch args[0] {
	case "now":
		if g.token != "" {
			if err := rt.Auth.Save(ctx, g.token); err != nil {
				return err
			}
		}
		sample, err := rt.Location.UpdateLocationNow(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "reported %.5f, %.5f\n", sample.Latitude, sample.Longitude)
		return nil
	case "start":
		mode, err := rt.Location.StartTracking(ctx, g.token)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "tracking started (%s)\n", mode)
		return nil
	case "stop":
		if err := rt.Location.StopTracking(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "tracking stopped")
		return nil
	}
	return fmt.Errorf("usage: circle location now|start|stop")
}

func updateCmd(ctx context.Context, rt *app.Runtime, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: circle update check|apply")
	}
	switch args[0] {
	case "check":
		rt.Updates.CheckForUpdates(ctx)
		st := rt.Updates.State()
		switch {
		case st.UpdateDownloaded:
			fmt.Fprintln(out, "update downloaded, run `circle update apply` to restart into it")
		case st.UpdateAvailable:
			fmt.Fprintln(out, "update available but not downloaded")
		default:
			fmt.Fprintln(out, "no update")
		}
		return nil
	case "apply":
		// A fresh process has no session state; promote whatever is staged.
		if err := rt.Launcher.Reload(ctx); err != nil {
			return err
		}
		dir, err := rt.Launcher.CurrentBundle(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "update applied, next launch loads %s\n", dir)
		return nil
	}
	return fmt.Errorf("usage: circle update check|apply")
}

func friendCmd(ctx context.Context, rt *app.Runtime, g globalFlags, args []string, out io.Writer) error {
	listen := len(args) == 1 && args[0] == "listen"
	if len(args) != 2 && !listen {
		return fmt.Errorf("usage: circle friend listen | send|accept|decline|cancel|cancel-message|unfriend <id>")
	}
	token := g.token
	if token == "" {
		stored, err := rt.Auth.Token(ctx)
		if err != nil {
			return err
		}
		token = stored
	}
	if listen {
		return listenFriendRequests(ctx, rt, token, g.jsonOut, out)
	}

	ops := map[string]func(context.Context, string, string) (json.RawMessage, error){
		"send":           rt.Friends.SendFriendRequest,
		"accept":         rt.Friends.AcceptFriendRequest,
		"decline":        rt.Friends.DeclineFriendRequest,
		"cancel":         rt.Friends.CancelFriendRequest,
		"cancel-message": rt.Friends.CancelMessageRequest,
		"unfriend":       rt.Friends.Unfriend,
	}
	op, ok := ops[args[0]]
	if !ok {
		return fmt.Errorf("usage: unknown friend operation %q", args[0])
	}

	data, err := op(ctx, token, args[1])
	if err != nil {
		return fmt.Errorf("%s (%w)", friends.UserMessage(err), err)
	}
	if len(data) > 0 {
		fmt.Fprintln(out, string(data))
	} else {
		fmt.Fprintln(out, "ok")
	}
	return nil
}

// listenFriendRequests prints incoming friend requests until ctx is done.
func listenFriendRequests(ctx context.Context, rt *app.Runtime, token string, jsonOut bool, out io.Writer) error {
	var mu sync.Mutex
	off, err := rt.Friends.OnIncomingRequest(ctx, token, func(req friends.IncomingRequest) {
		mu.Lock()
		defer mu.Unlock()
		if jsonOut {
			_ = json.NewEncoder(out).Encode(req)
			return
		}
		name := req.SenderName
		if name == "" {
			name = req.SenderID
		}
		fmt.Fprintf(out, "friend request %s from %s\n", req.ID, name)
	})
	if err != nil {
		return fmt.Errorf("%s (%w)", friends.UserMessage(err), err)
	}
	defer off()

	mu.Lock()
	fmt.Fprintln(out, "listening for friend requests")
	mu.Unlock()
	<-ctx.Done()
	return nil
}

func printStatus(out io.Writer, st app.Status, now time.Time) {
	fmt.Fprintf(out, "device:    %s\n", st.DeviceID)
	tracking := "off"
	if st.Tracking {
		tracking = "on"
		if st.Mode != location.ModeOff {
			tracking += " (" + string(st.Mode) + ")"
		}
	}
	fmt.Fprintf(out, "tracking:  %s\n", tracking)
	if st.LastReport.IsZero() {
		fmt.Fprintln(out, "reported:  never")
	} else {
		fmt.Fprintf(out, "reported:  %s\n", humanize.RelTime(st.LastReport, now, "ago", "from now"))
	}

	current := st.CurrentUpdate
	if current == "" {
		current = "embedded"
	}
	if st.CurrentBundle != "" {
		current += " (" + st.CurrentBundle + ")"
	}
	fmt.Fprintf(out, "bundle:    %s\n", current)
	if st.PendingUpdate != "" {
		fmt.Fprintf(out, "pending:   %s\n", st.PendingUpdate)
	}
	fmt.Fprintf(out, "in flight: %s\n", humanize.Comma(int64(len(st.Pending))))
	for _, p := range st.Pending {
		fmt.Fprintf(out, "  %s %s retry %d, started %s\n", p.Event, p.RequestID, p.RetryCount,
			humanize.RelTime(p.StartedAt, now, "ago", "from now"))
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
