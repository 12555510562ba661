package debugger

import (
	"fmt"
	"strconv"
	"strings"
)

// BreakpointType defines the type of breakpoint
type BreakpointType int

const (
	// LocationBreakpoint breaks at a specific file:line
	LocationBreakpoint BreakpointType = iota
	// FunctionBreakpoint breaks at a function entry
	FunctionBreakpoint
	// AddressBreakpoint breaks at a raw instruction address
	AddressBreakpoint
)

// String returns the string representation of the BreakpointType
func (t BreakpointType) String() string {
	switch t {
	case LocationBreakpoint:
		return "location"
	case FunctionBreakpoint:
		return "function"
	case AddressBreakpoint:
		return "address"
	default:
		return "unknown"
	}
}

// Location is a parsed breakpoint location
type Location struct {
	Type     BreakpointType
	File     string // For LocationBreakpoint
	Line     int    // For LocationBreakpoint
	Function string // For FunctionBreakpoint
	Addr     uint64 // For AddressBreakpoint
}

// ParseLocation parses a breakpoint location. Accepted forms are
// "*0x401000" (address), "file.go:42" (location), "func:name" or a bare
// function name.
func ParseLocation(location string) (Location, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Location{}, fmt.Errorf("empty breakpoint location")
	}

	if strings.HasPrefix(location, "*") {
		addr, err := strconv.ParseUint(strings.TrimPrefix(location, "*"), 0, 64)
		if err != nil {
			return Location{}, fmt.Errorf("invalid breakpoint address %q: %v", location, err)
		}
		return Location{Type: AddressBreakpoint, Addr: addr}, nil
	}

	if strings.HasPrefix(location, "func:") {
		name := strings.TrimPrefix(location, "func:")
		if name == "" {
			return Location{}, fmt.Errorf("empty function name in %q", location)
		}
		return Location{Type: FunctionBreakpoint, Function: name}, nil
	}

	// Find the last colon to handle Windows paths (e.g., C:/path/to/file.go:42)
	if i := strings.LastIndex(location, ":"); i != -1 {
		line, err := strconv.Atoi(location[i+1:])
		if err != nil {
			return Location{}, fmt.Errorf("invalid line number: %v", err)
		}
		return Location{Type: LocationBreakpoint, File: location[:i], Line: line}, nil
	}

	return Location{Type: FunctionBreakpoint, Function: location}, nil
}

// Breakpoint represents a location the capture driver has installed
type Breakpoint struct {
	ID       int
	Location Location
	Spec     string // location as given by the user
}

// BreakpointManager tracks installed breakpoints and installs new ones through
// an inspector
type BreakpointManager struct {
	inspector   Inspector
	breakpoints []*Breakpoint
	nextID      int
}

// NewBreakpointManager creates a new breakpoint manager
func NewBreakpointManager(inspector Inspector) *BreakpointManager {
	return &BreakpointManager{
		inspector:   inspector,
		breakpoints: make([]*Breakpoint, 0),
		nextID:      1,
	}
}

// AddBreakpoint parses location and installs it in the inferior
func (bm *BreakpointManager) AddBreakpoint(location string) (*Breakpoint, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	if err := bm.inspector.SetBreakpoint(location); err != nil {
		return nil, err
	}

	bp := &Breakpoint{
		ID:       bm.nextID,
		Location: loc,
		Spec:     location,
	}
	bm.nextID++
	bm.breakpoints = append(bm.breakpoints, bp)
	return bp, nil
}

// GetBreakpoints returns all breakpoints
func (bm *BreakpointManager) GetBreakpoints() []*Breakpoint {
	return bm.breakpoints
}
