// Package toplevel composes primitive RPC and DFU operations into the
// procedures a user asks for: updates, repairs, firmware and radio installs,
// settings backup and restore, and factory reset.
//
// Every procedure is a Sequence of named stages. A failed stage ends the
// procedure with that stage's error; nothing already done is rolled back.
// Link carries the device connection across the mode switches in between.
package toplevel
