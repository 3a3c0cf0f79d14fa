//go:build !(linux || darwin || freebsd || dragonfly)

package transcode

import "errors"

func freeSpace(string) (uint64, error) {
	return 0, errors.New("free space lookup not supported on this platform")
}
