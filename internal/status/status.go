// Package status reports whether dbtester can serve runs: the store must be
// reachable and the vault configured.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/canonica-labs/dbtester/internal/vault"
)

// DefaultCheckTimeout bounds each component check.
const DefaultCheckTimeout = 5 * time.Second

// CheckFunc checks one component. A nil error means ready.
type CheckFunc func(ctx context.Context) error

// ComponentStatus is the result of one component check.
type ComponentStatus struct {
	Name    string `json:"name"`
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// Result is the combined readiness of every component.
type Result struct {
	Ready      bool              `json:"ready"`
	Reason     string            `json:"reason,omitempty"`
	Components []ComponentStatus `json:"components"`
}

// String formats the result for terminal output.
func (r *Result) String() string {
	var b strings.Builder
	for _, c := range r.Components {
		state := "ready"
		if !c.Ready {
			state = "not ready"
		}
		fmt.Fprintf(&b, "%-8s %s", c.Name, state)
		if c.Message != "" {
			fmt.Fprintf(&b, " (%s)", c.Message)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type component struct {
	name  string
	check CheckFunc
}

// Checker runs named component checks.
type Checker struct {
	mu         sync.RWMutex
	components []component
	timeout    time.Duration
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{timeout: DefaultCheckTimeout}
}

// Add registers a component check. Components are reported in the order
// they were added.
func (c *Checker) Add(name string, check CheckFunc) *Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component{name: name, check: check})
	return c
}

// Check runs every component check concurrently.
func (c *Checker) Check(ctx context.Context) *Result {
	c.mu.RLock()
	components := append([]component(nil), c.components...)
	timeout := c.timeout
	c.mu.RUnlock()

	statuses := make([]ComponentStatus, len(components))
	var wg sync.WaitGroup
	for i, comp := range components {
		wg.Add(1)
		go func(i int, comp component) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st := ComponentStatus{Name: comp.name, Ready: true}
			if err := comp.check(cctx); err != nil {
				st.Ready = false
				st.Message = firstLine(err.Error())
			}
			statuses[i] = st
		}(i, comp)
	}
	wg.Wait()

	res := &Result{Ready: true, Components: statuses}
	for _, st := range statuses {
		if !st.Ready {
			res.Ready = false
			res.Reason = st.Name + " not ready: " + st.Message
			break
		}
	}
	return res
}

// Pinger is a store that can report its reachability.
type Pinger interface {
	CheckConnectivity(ctx context.Context) error
}

// StoreCheck checks the run and definition store.
func StoreCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.CheckConnectivity(ctx)
	}
}

// VaultCheck checks that a cipher is configured and can round-trip a value.
func VaultCheck(c vault.Cipher) CheckFunc {
	return func(context.Context) error {
		if c == nil {
			return fmt.Errorf("vault key not configured; set DBTESTER_VAULT_KEY")
		}
		enc, err := c.Encrypt("readiness")
		if err != nil {
			return err
		}
		dec, err := c.Decrypt(enc)
		if err != nil {
			return err
		}
		if dec != "readiness" {
			return fmt.Errorf("vault round trip mismatch")
		}
		return nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
