//go:build cgo

package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

//export Init
// Init starts the core. configPath may be empty. Returns 1 on success.
func Init(configPath, dataDir *C.char) int32 {
	if err := initRuntime(C.GoString(configPath), C.GoString(dataDir)); err != nil {
		setLastError(err.Error())
		return 0
	}
	return 1
}

//export Cleanup
// Cleanup stops the core.
func Cleanup() {
	shutdown()
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(getLastError())
}

//export SetPermissions
func SetPermissions(foreground, background *C.char) int32 {
	return status32(setPermissions(C.GoString(foreground), C.GoString(background)))
}

//export PushLocation
func PushLocation(lat, lon, accuracy C.double) int32 {
	return status32(pushLocation(float64(lat), float64(lon), float64(accuracy)))
}

//export StartTracking
// StartTracking returns the tracking mode, or NULL on failure.
func StartTracking(token *C.char) *C.char {
	return cstring(startTracking(C.GoString(token)))
}

//export StopTracking
func StopTracking() int32 {
	return status32(stopTracking())
}

//export UpdateLocationNow
// UpdateLocationNow returns the reported sample as JSON.
func UpdateLocationNow() *C.char {
	return cstring(updateLocationNow())
}

//export CheckForUpdates
// CheckForUpdates blocks until the check finishes and returns the update
// state as JSON.
func CheckForUpdates() *C.char {
	return cstring(checkForUpdates())
}

//export GetUpdateState
func GetUpdateState() *C.char {
	return cstring(updateState())
}

//export ReloadToApplyUpdate
// ReloadToApplyUpdate returns 1 when the shell should restart now.
func ReloadToApplyUpdate() int32 {
	ok, err := reloadToApplyUpdate()
	if err != nil {
		setLastError(err.Error())
		return 0
	}
	if ok {
		return 1
	}
	return 0
}

//export FriendOp
// FriendOp runs send, accept, decline, cancel, cancel-message or unfriend
// and returns a JSON reply.
func FriendOp(op, token, id *C.char) *C.char {
	return cstring(friendOp(C.GoString(op), C.GoString(token), C.GoString(id)))
}

//export WatchFriendRequests
// WatchFriendRequests starts queueing friend requests pushed to token's user.
func WatchFriendRequests(token *C.char) int32 {
	return status32(watchFriendRequests(C.GoString(token)))
}

//export PollFriendRequests
// PollFriendRequests returns the queued friend requests as a JSON array and
// clears the queue.
func PollFriendRequests() *C.char {
	return cstring(pollFriendRequests())
}

//export GetStatus
func GetStatus() *C.char {
	return cstring(status())
}

//export FreeString
// FreeString frees a C string returned by this library.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func cstring(s string, err error) *C.char {
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return C.CString(s)
}

func status32(err error) int32 {
	if err != nil {
		setLastError(err.Error())
		return 0
	}
	return 1
}
