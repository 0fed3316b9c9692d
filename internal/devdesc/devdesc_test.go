package devdesc

import (
	"strings"
	"testing"
)

func TestFinalizeRejectsEmpty(t *testing.T) {
	b := New()
	if _, err := b.Finalize(); err == nil {
		t.Fatal("expected error for empty builder")
	}
}

func TestBuilderLinksNodesByIndex(t *testing.T) {
	b := New()
	b.AddMemory(0x8000_0000, 128*1024*1024)
	b.AddUART(0x1000_0000, 10)
	b.AddVirtio(0x1000_1000, 0x1000, 1)

	if _, err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	nodes := b.Nodes()
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	if nodes[0].Next != 1 || nodes[1].Next != 2 || nodes[2].Next != -1 {
		t.Fatalf("unexpected link chain: %d -> %d -> %d", nodes[0].Next, nodes[1].Next, nodes[2].Next)
	}
	if nodes[0].Kind != KindMemory || nodes[1].Kind != KindUART || nodes[2].Kind != KindVirtioMMIO {
		t.Fatalf("unexpected kinds: %v %v %v", nodes[0].Kind, nodes[1].Kind, nodes[2].Kind)
	}
}

func TestEncodeSizeMatchesBinarySize(t *testing.T) {
	b := New()
	b.AddCPU(0)
	b.AddPLIC(0x0C00_0000)

	if _, err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	enc := b.Encode()
	if len(enc) != b.BinarySize() {
		t.Fatalf("encoded length %d != BinarySize %d", len(enc), b.BinarySize())
	}
}

func TestAddMethodsStampCompatibleStrings(t *testing.T) {
	b := New()
	b.AddMemory(0x8000_0000, 128*1024*1024)
	b.AddCPU(0)
	b.AddUART(0x1000_0000, 10)
	b.AddVirtio(0x1000_1000, 0x1000, 1)
	b.AddPLIC(0x0C00_0000)

	want := []string{compatMemory, compatCPU, compatUART, compatVirtio, compatPLIC}
	nodes := b.Nodes()
	if len(nodes) != len(want) {
		t.Fatalf("expected %d nodes, got %d", len(want), len(nodes))
	}
	for i, n := range nodes {
		got := strings.TrimRight(string(n.Compatible[:]), "\x00")
		if got != want[i] {
			t.Fatalf("node %d compatible = %q, want %q", i, got, want[i])
		}
	}
}

func TestEncodeHeaderFields(t *testing.T) {
	b := New()
	b.AddUART(0x1000_0000, 10)
	if _, err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	enc := b.Encode()
	count := uint32(enc[0]) | uint32(enc[1])<<8 | uint32(enc[2])<<16 | uint32(enc[3])<<24
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
