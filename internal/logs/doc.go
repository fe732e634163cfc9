// Package logs reads the daemon log files for the "zeroflash logs" command.
//
// The daemon writes one file per run and points zeroflash-daemon.log at the
// newest one; CurrentPath resolves that pointer. Last returns the trailing
// lines of a file and Follow polls it for lines appended afterwards.
package logs
