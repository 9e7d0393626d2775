// +build no_libudev

package cmsisdap

import (
	"context"

	"github.com/cesanta/errors"
)

// Client is never constructed in this build; present only so callers can
// still reference the type name behind the build tag.
type Client struct{}

func Open(ctx context.Context, vid, pid uint16) (*Client, error) {
	return nil, errors.Errorf("CMSIS-DAP HID transport not supported in this build (no_libudev)")
}
