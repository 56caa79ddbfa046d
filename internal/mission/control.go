package mission

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBusy is returned while another mission or dock operation holds the robot.
var ErrBusy = errors.New("robot is busy")

// Holder describes the operation holding the robot.
type Holder struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// Control admits one moving operation at a time. Missions, patrol steps and
// dock operations all claim it; a second claim fails with ErrBusy instead of
// waiting.
type Control struct {
	mu     sync.Mutex
	holder *Holder
	now    func() time.Time
}

// NewControl returns an unclaimed Control.
func NewControl() *Control {
	return &Control{now: time.Now}
}

// Claim takes the robot for name. The returned release must be called once
// the operation ends.
func (c *Control) Claim(name string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder != nil {
		return nil, fmt.Errorf("%w: %s", ErrBusy, c.holder.Name)
	}
	h := &Holder{Name: name, StartedAt: c.now().UTC()}
	c.holder = h
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.holder == h {
				c.holder = nil
			}
		})
	}, nil
}

// Holder returns the operation holding the robot, or nil.
func (c *Control) Holder() *Holder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder == nil {
		return nil
	}
	h := *c.holder
	return &h
}
