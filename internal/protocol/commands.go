package protocol

import "fmt"

// Command letters understood by the device.
const (
	CmdSignOff   = "#" // end of session
	CmdStatus    = "@" // status request
	CmdKeepAlive = "?" // keep-alive probe
	CmdLoadTable = "C" // dump the device's working calibration table
	CmdDumpTable = "D" // alias of C on newer firmware
	CmdSaveTable = "W" // persist the working table to device storage
	CmdStop      = "S" // stop both tracks
)

// Run builds "G <index>", driving both tracks at a calibrated speed index.
func Run(displayIndex int) string {
	return fmt.Sprintf("G %d", displayIndex)
}
