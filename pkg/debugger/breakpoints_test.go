package debugger

import (
	"testing"
)

func TestParseLocation(t *testing.T) {
	testCases := []struct {
		name     string
		location string
		want     Location
		wantErr  bool
	}{
		{
			name:     "Location breakpoint",
			location: "test.go:42",
			want:     Location{Type: LocationBreakpoint, File: "test.go", Line: 42},
		},
		{
			name:     "Function breakpoint",
			location: "func:main.main",
			want:     Location{Type: FunctionBreakpoint, Function: "main.main"},
		},
		{
			name:     "Bare function",
			location: "runtime.mallocgc",
			want:     Location{Type: FunctionBreakpoint, Function: "runtime.mallocgc"},
		},
		{
			name:     "Address breakpoint",
			location: "*0x401000",
			want:     Location{Type: AddressBreakpoint, Addr: 0x401000},
		},
		{
			name:     "Windows path location",
			location: "C:/path/to/file.go:42",
			want:     Location{Type: LocationBreakpoint, File: "C:/path/to/file.go", Line: 42},
		},
		{
			name:     "Invalid line",
			location: "file.go:abc",
			wantErr:  true,
		},
		{
			name:     "Invalid address",
			location: "*zz",
			wantErr:  true,
		},
		{
			name:     "Empty",
			location: "  ",
			wantErr:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLocation(tc.location)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestAddBreakpoint(t *testing.T) {
	fake := NewFakeInspector(1, nil)
	bm := NewBreakpointManager(fake)

	bp1, err := bm.AddBreakpoint("main.go:10")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	bp2, err := bm.AddBreakpoint("*0x1000")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if bp1.ID != 1 || bp2.ID != 2 {
		t.Errorf("Expected IDs 1 and 2, got %d and %d", bp1.ID, bp2.ID)
	}
	if len(bm.GetBreakpoints()) != 2 {
		t.Errorf("Expected 2 breakpoints, got %d", len(bm.GetBreakpoints()))
	}
	if len(fake.Breakpoints) != 2 {
		t.Errorf("Expected inspector to receive 2 breakpoints, got %d", len(fake.Breakpoints))
	}

	if _, err := bm.AddBreakpoint("main.go:x"); err == nil {
		t.Errorf("Expected error for invalid location")
	}
	if len(bm.GetBreakpoints()) != 2 {
		t.Errorf("Invalid breakpoint must not be recorded")
	}
}
