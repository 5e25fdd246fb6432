package wire

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Trail is the ordered set of node addresses that have applied a gossip
// message, starting with the originator. The zero value is empty.
type Trail struct {
	addrs []string
}

func NewTrail(origin string) Trail {
	return Trail{addrs: []string{origin}}
}

func (t Trail) Contains(addr string) bool {
	return slices.Contains(t.addrs, addr)
}

// Append returns a copy of the trail with addr added at the end. Appending
// an address that is already present returns an unchanged copy.
func (t Trail) Append(addr string) Trail {
	out := make([]string, len(t.addrs), len(t.addrs)+1)
	copy(out, t.addrs)
	if !t.Contains(addr) {
		out = append(out, addr)
	}
	return Trail{addrs: out}
}

func (t Trail) Addresses() []string {
	return slices.Clone(t.addrs)
}

func (t Trail) Len() int {
	return len(t.addrs)
}

func (t Trail) Origin() string {
	if len(t.addrs) == 0 {
		return ""
	}
	return t.addrs[0]
}

func (t Trail) MarshalJSON() ([]byte, error) {
	if t.addrs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.addrs)
}

func (t *Trail) UnmarshalJSON(data []byte) error {
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a == "" {
			return fmt.Errorf("empty address in trail")
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("address %s repeated in trail", a)
		}
		seen[a] = struct{}{}
	}
	t.addrs = addrs
	return nil
}
