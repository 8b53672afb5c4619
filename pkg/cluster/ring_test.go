package cluster

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
)

// ring over n importers
func makeRing(n, replicas int) *HashRing {
	r := NewHashRing(replicas)
	for i := 1; i <= n; i++ {
		r.AddNode(fmt.Sprintf("importer%d:8287", i))
	}
	return r
}

func engineIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("engine-%d", i))).String()
	}
	return ids
}

func TestRing_DistributionUniformity(t *testing.T) {
	const n = 3
	r := makeRing(n, 128)
	ids := engineIDs(30_000)

	counts := map[string]int{}
	for _, id := range ids {
		owner, ok := r.GetNode(id)
		if !ok {
			t.Fatalf("ring returned no owner for %s", id)
		}
		counts[owner]++
	}
	if len(counts) != n {
		t.Fatalf("expected %d owners, got %d", n, len(counts))
	}

	ideal := float64(len(ids)) / n
	tolerance := 0.2 * ideal
	for node, c := range counts {
		if diff := math.Abs(float64(c) - ideal); diff > tolerance {
			t.Fatalf("importer %s: count=%d ideal=%.0f diff=%.0f > tol=%.0f", node, c, ideal, diff, tolerance)
		}
	}
}

func TestRing_MinimalMovementOnAdd(t *testing.T) {
	r := makeRing(3, 128)
	ids := engineIDs(50_000)

	before := make([]string, len(ids))
	for i, id := range ids {
		before[i], _ = r.GetNode(id)
	}

	r.AddNode("importer4:8287")

	moved := 0
	for i, id := range ids {
		now, _ := r.GetNode(id)
		if now != before[i] {
			if now != "importer4:8287" {
				t.Fatalf("engine %s moved between old importers: %s -> %s", id, before[i], now)
			}
			moved++
		}
	}
	frac := float64(moved) / float64(len(ids))
	if frac < 0.15 || frac > 0.35 {
		t.Fatalf("moved fraction %.3f out of expected range [0.15..0.35]", frac)
	}
}

func TestRing_RemoveNode(t *testing.T) {
	r := makeRing(3, 128)
	id := uuid.NewString()

	owner, ok := r.GetNode(id)
	if !ok {
		t.Fatal("no owner")
	}
	r.RemoveNode(owner)

	newOwner, ok := r.GetNode(id)
	if !ok || newOwner == "" || newOwner == owner {
		t.Fatalf("remove failed: old=%s new=%s ok=%v", owner, newOwner, ok)
	}
	if got := len(r.ListNodes()); got != 2 {
		t.Fatalf("expected 2 importers after remove, got %d", got)
	}
}

func TestRing_Empty(t *testing.T) {
	r := NewHashRing(0)
	if _, ok := r.GetNode("x"); ok {
		t.Fatal("empty ring returned an owner")
	}
	r.AddNode("a")
	r.AddNode("a")
	if nodes := r.ListNodes(); len(nodes) != 1 || nodes[0] != "a" {
		t.Fatalf("unexpected nodes %v", nodes)
	}
}
