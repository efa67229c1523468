package testutil

import "time"

// CommandCall records a door command received by the mock cloud.
type CommandCall struct {
	Timestamp  time.Time
	DeviceID   int64
	DoorNumber int
	Command    string
}

// FilterCommands returns the calls carrying command.
func FilterCommands(calls []CommandCall, command string) []CommandCall {
	var filtered []CommandCall
	for _, call := range calls {
		if call.Command == command {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindDoorCommand returns the most recent command for one door, or nil.
func FindDoorCommand(calls []CommandCall, deviceID int64, doorNumber int) *CommandCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.DeviceID == deviceID && call.DoorNumber == doorNumber {
			return &call
		}
	}
	return nil
}
