// Package updates decides whether a bundle should be offered to a device and
// loads the bundle contents.
//
// Channels order builds differently: release and release-candidate builds
// compare by version number, development builds by build date and commit.
// A bundle is a local directory holding bundle.toml, firmware.dfu, the radio
// directory with its Manifest.json, and resources.tar.gz.
package updates
