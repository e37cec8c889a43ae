// Package memheap is a minimal reference implementation of pkg/heap.Heap,
// sufficient to exercise the BBP core's save/free/delete/stat calls in
// tests without a real column-store heap manager.
package memheap

import (
	"fmt"
	"os"

	"github.com/colstore/bbp/pkg/heap"
)

// Heap is an in-memory byte buffer that can flush itself to a single file
// named "<stem>.tail" (fixed-width tails) or "<stem>.theap" (vheaps).
type Heap struct {
	Suffix  string // ".tail", ".theap", ".tail1", ...
	Data    []byte
	farmID  int
	dirty   bool
	storage heap.StorageMode
}

// New creates a heap with the given farm id and suffix.
func New(farmID int, suffix string) *Heap {
	return &Heap{Suffix: suffix, farmID: farmID, storage: heap.StoragePrivate}
}

// Write appends bytes and marks the heap dirty, mimicking column appends.
func (h *Heap) Write(p []byte) {
	h.Data = append(h.Data, p...)
	h.dirty = true
}

func (h *Heap) Dirty() bool               { return h.dirty }
func (h *Heap) FarmID() int               { return h.farmID }
func (h *Heap) Storage() heap.StorageMode { return h.storage }

func (h *Heap) SaveHeap(pathStem string) error {
	if err := os.WriteFile(pathStem+h.Suffix, h.Data, 0o644); err != nil {
		return fmt.Errorf("memheap: save %s: %w", pathStem+h.Suffix, err)
	}
	h.dirty = false
	h.storage = heap.StorageMemoryMapped
	return nil
}

func (h *Heap) FreeHeapInMemory() {
	h.Data = nil
}

func (h *Heap) DeleteHeapFiles(pathStem string) error {
	if err := os.Remove(pathStem + h.Suffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memheap: delete %s: %w", pathStem+h.Suffix, err)
	}
	return nil
}

func (h *Heap) StatHeapFile(pathStem string) (heap.Stat, error) {
	fi, err := os.Stat(pathStem + h.Suffix)
	if os.IsNotExist(err) {
		return heap.Stat{}, nil
	}
	if err != nil {
		return heap.Stat{}, fmt.Errorf("memheap: stat %s: %w", pathStem+h.Suffix, err)
	}
	return heap.Stat{
		Free:    fi.Size(),
		Size:    fi.Size(),
		Storage: h.storage,
		Exists:  true,
	}, nil
}
