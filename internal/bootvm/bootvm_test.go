package bootvm

import (
	"context"
	"testing"
)

func TestRecordedVCPUSetAndGet(t *testing.T) {
	vcpu := NewRecordedVCPU()
	err := vcpu.SetRegisters(map[Register]RegisterValue{
		RegisterX10: Register64(0),
		RegisterX11: Register64(0x8004_0000),
		RegisterPC:  Register64(0x8000_0000),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	got, err := vcpu.GetRegisters([]Register{RegisterPC, RegisterX11})
	if err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if got[RegisterPC] != Register64(0x8000_0000) {
		t.Fatalf("pc = %v", got[RegisterPC])
	}
	if got[RegisterX11] != Register64(0x8004_0000) {
		t.Fatalf("x11 = %v", got[RegisterX11])
	}
}

func TestRunRequiresPC(t *testing.T) {
	vcpu := NewRecordedVCPU()
	if err := vcpu.Run(context.Background()); err == nil {
		t.Fatal("expected error running with no pc set")
	}
}

func TestRunMarksRan(t *testing.T) {
	vcpu := NewRecordedVCPU()
	vcpu.SetRegisters(map[Register]RegisterValue{RegisterPC: Register64(0x8000_0000)})
	if err := vcpu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !vcpu.Ran() {
		t.Fatal("expected Ran() to be true after Run")
	}
}

func TestGetRegistersErrorsOnUnsetRegister(t *testing.T) {
	vcpu := NewRecordedVCPU()
	if _, err := vcpu.GetRegisters([]Register{RegisterSATP}); err == nil {
		t.Fatal("expected error for unset register")
	}
}
