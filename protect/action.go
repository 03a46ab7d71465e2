package protect

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

type Op string

const (
	OpAdd Op = "add"
	OpDel Op = "del"
)

// mainTable is RT_TABLE_MAIN.
const mainTable = 254

// Command is one recorded route operation.
type Command struct {
	Op        Op     `json:"op"`
	Dst       string `json:"dst"`
	Gw        string `json:"gw,omitempty"`
	LinkIndex int    `json:"linkIndex"`
	Table     int    `json:"table,omitempty"`
}

func (c Command) String() string {
	sign := "+"
	if c.Op == OpDel {
		sign = "-"
	}
	s := fmt.Sprintf("%s %s", sign, c.Dst)
	if c.Gw != "" {
		s += " via " + c.Gw
	}
	return fmt.Sprintf("%s dev %d", s, c.LinkIndex)
}

// Inverse returns the command that reverses c.
func (c Command) Inverse() Command {
	inv := c
	if c.Op == OpAdd {
		inv.Op = OpDel
	} else {
		inv.Op = OpAdd
	}
	return inv
}

func (c Command) route() (*netlink.Route, error) {
	_, dst, err := net.ParseCIDR(c.Dst)
	if err != nil {
		return nil, fmt.Errorf("parsing destination %s: %w", c.Dst, err)
	}
	r := &netlink.Route{
		Dst:       dst,
		LinkIndex: c.LinkIndex,
		Table:     c.Table,
	}
	if c.Gw != "" {
		r.Gw = net.ParseIP(c.Gw)
		if r.Gw == nil {
			return nil, fmt.Errorf("parsing gateway %s: invalid address", c.Gw)
		}
	}
	return r, nil
}

// Execute applies c through sys.
func (c Command) Execute(sys System) error {
	r, err := c.route()
	if err != nil {
		return err
	}
	switch c.Op {
	case OpAdd:
		return sys.RouteAdd(r)
	case OpDel:
		return sys.RouteDel(r)
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
}

// UndoError is a failure to execute one undo command.
type UndoError struct {
	Command Command
	Err     error
}

func (e *UndoError) Error() string {
	return fmt.Sprintf("undoing (%s): %s", e.Command, e.Err)
}

func (e *UndoError) Unwrap() error { return e.Err }

// noCopy makes go vet's copylocks check flag copies of the containing struct.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// ActionList is an ordered list of undo commands with a single owner.
// Ownership moves with Take and Append; Run executes and empties the list,
// so the same commands are never executed twice.
// An ActionList must not be copied.
type ActionList struct {
	noCopy noCopy
	cmds   []Command
}

// NewActionList returns a list holding cmds.
func NewActionList(cmds ...Command) *ActionList {
	return &ActionList{cmds: cmds}
}

func (l *ActionList) Add(c Command) {
	l.cmds = append(l.cmds, c)
}

func (l *ActionList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.cmds)
}

// Commands returns a copy of the commands, for inspection and journaling.
func (l *ActionList) Commands() []Command {
	if l == nil {
		return nil
	}
	out := make([]Command, len(l.cmds))
	copy(out, l.cmds)
	return out
}

// Take moves the commands into a new list and leaves l empty.
func (l *ActionList) Take() *ActionList {
	out := &ActionList{cmds: l.cmds}
	l.cmds = nil
	return out
}

// Append moves the commands of o to the end of l and leaves o empty.
func (l *ActionList) Append(o *ActionList) {
	if o == nil {
		return
	}
	l.cmds = append(l.cmds, o.cmds...)
	o.cmds = nil
}

// Run executes every command in order and empties l. A failing command does
// not stop the rest; its error is included in the returned join of
// *UndoError values.
func (l *ActionList) Run(sys System) (n int, err error) {
	cmds := l.cmds
	l.cmds = nil
	var errs []error
	for _, c := range cmds {
		err := c.Execute(sys)
		if err != nil {
			errs = append(errs, &UndoError{Command: c, Err: err})
		}
	}
	return len(cmds), errors.Join(errs...)
}
