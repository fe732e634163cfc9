// Package dfu drives the device's USB bootloader.
//
// The bootloader speaks DFU 1.1 with the STMicroelectronics DfuSe
// extensions: memory is addressed through a set-address command on block 0,
// erased page by page, and then streamed in fixed-size blocks. A Driver
// brackets every exchange in a transaction that owns the USB interface, and
// every failure is classified as a recovery-access error so callers can tell
// bootloader trouble apart from normal-mode RPC errors.
//
// ParseFile reads the DfuSe .dfu container used for firmware images, and
// FactoryInfo decodes the one-time-programmable block written at the factory.
package dfu
