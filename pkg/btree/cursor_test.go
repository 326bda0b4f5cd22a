// ABOUTME: Tests for cursor stepping over a tree version
// ABOUTME: Verifies full traversal in both directions and end behavior

package btree

import (
	"fmt"
	"testing"
)

func TestCursorForwardTraversal(t *testing.T) {
	c := newTestTree(1)
	for i := 0; i < 400; i++ {
		c.add(fmt.Sprintf("key-%03d", i))
	}

	var cur Cursor
	c.root.FillCursorByIndex(&cur, 0)

	seen := 0
	for {
		want := fmt.Sprintf("key-%03d", seen)
		if string(cur.Key()) != want {
			t.Fatalf("position %d: got %s, want %s", seen, cur.Key(), want)
		}
		seen++
		if !cur.Next() {
			break
		}
	}
	if seen != 400 {
		t.Errorf("traversed %d keys, want 400", seen)
	}
	if cur.Valid() {
		t.Error("cursor should be invalid after stepping off the end")
	}
}

func TestCursorBackwardTraversal(t *testing.T) {
	c := newTestTree(1)
	for i := 0; i < 400; i++ {
		c.add(fmt.Sprintf("key-%03d", i))
	}

	var cur Cursor
	c.root.FillCursorByIndex(&cur, 399)

	seen := 0
	for {
		want := fmt.Sprintf("key-%03d", 399-seen)
		if string(cur.Key()) != want {
			t.Fatalf("position %d: got %s, want %s", seen, cur.Key(), want)
		}
		seen++
		if !cur.Prev() {
			break
		}
	}
	if seen != 400 {
		t.Errorf("traversed %d keys, want 400", seen)
	}
	if cur.Valid() {
		t.Error("cursor should be invalid after stepping off the front")
	}
}

func TestCursorStepOnInvalid(t *testing.T) {
	var cur Cursor
	if cur.Next() {
		t.Error("Next on a cleared cursor should return false")
	}
	if cur.Prev() {
		t.Error("Prev on a cleared cursor should return false")
	}
}

func TestCursorSingleKey(t *testing.T) {
	c := newTestTree(1)
	c.add("only")

	var cur Cursor
	c.root.FillCursorByIndex(&cur, 0)
	if cur.Next() {
		t.Error("Next past the only key should return false")
	}

	c.root.FillCursorByIndex(&cur, 0)
	if cur.Prev() {
		t.Error("Prev before the only key should return false")
	}
}
