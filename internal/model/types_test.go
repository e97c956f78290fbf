package model

import (
	"errors"
	"reflect"
	"testing"
)

func TestValidRunID(t *testing.T) {
	valid := []string{"ab12cd34", "ABCDEFGH", "00000000"}
	for _, id := range valid {
		if !ValidRunID(id) {
			t.Fatalf("expected %q to be valid", id)
		}
	}
	invalid := []string{"", "ab12cd3", "ab12cd345", "ab12-d34", "../etc/x", "ab12cd3 "}
	for _, id := range invalid {
		if ValidRunID(id) {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
	if err := ValidateRunID("nope"); !errors.Is(err, ErrInvalidRunID) {
		t.Fatalf("expected ErrInvalidRunID, got %v", err)
	}
}

func TestStageSetNormalizesAndDeduplicates(t *testing.T) {
	set := NewStageSet(" Plan", "plan", "TEST", "", "implement")
	if set.Len() != 3 {
		t.Fatalf("expected 3 tokens, got %d", set.Len())
	}
	want := []StageToken{"implement", "plan", "test"}
	if got := set.Tokens(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !set.ContainsAll([]StageToken{"plan", "test"}) {
		t.Fatalf("expected set to contain plan and test")
	}
	if set.Contains("merge") {
		t.Fatalf("did not expect merge")
	}
}

func TestAllocatedPortsMergesLegacyFields(t *testing.T) {
	record := RunRecord{
		Ports:        []int{8090, 5173, 8090, 0},
		BackendPort:  9100,
		FrontendPort: 5173,
	}
	want := []int{5173, 8090, 9100}
	if got := record.AllocatedPorts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
