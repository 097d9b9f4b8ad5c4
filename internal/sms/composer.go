package sms

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Composer produces the provider-agreed message body and per-attempt
// external references of the form namespace_targetID_version_timestamp.
type Composer struct {
	body      string
	namespace string
	version   string
	now       func() time.Time

	last atomic.Int64
}

func NewComposer(body, namespace, version string) (*Composer, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("sms message body must not be empty")
	}
	if namespace == "" {
		return nil, errors.New("sms reference namespace must not be empty")
	}
	if version == "" {
		version = "v1"
	}
	return &Composer{body: body, namespace: namespace, version: version, now: time.Now}, nil
}

// Body returns the fixed message text.
func (c *Composer) Body() string { return c.body }

// Reference returns a reference unique to this attempt. The timestamp part
// is strictly increasing across calls on the same Composer, so two attempts
// in the same nanosecond still differ.
func (c *Composer) Reference(targetID string) string {
	return fmt.Sprintf("%s_%s_%s_%d", c.namespace, targetID, c.version, c.tick())
}

func (c *Composer) tick() int64 {
	now := c.now().UnixNano()
	for {
		prev := c.last.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}
