//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ftrace

import (
	"fmt"
	"sort"
)

// curReader is the tagged cursor identifying which image of an ImageSet is
// currently "active" for the tracer: either the main image or one of the
// auxiliaries, by position.
type curReaderKind int

const (
	mainReader curReaderKind = iota
	auxReader
)

type curReader struct {
	kind  curReaderKind
	index int
}

// ImageSet holds one main image and zero or more auxiliary images, with
// disjoint address ranges enforced at construction time.
type ImageSet struct {
	main *SymbolImage
	aux  []*SymbolImage
}

// NewImageSet builds the main image (id 0) and one auxiliary image per
// path (ids assigned 1..N after sorting by Start), and asserts that none
// of their extents overlap.
func NewImageSet(mainPath string, auxPaths []string) (*ImageSet, error) {
	main, err := NewSymbolImage(0, "main", mainPath)
	if err != nil {
		return nil, err
	}

	aux := make([]*SymbolImage, 0, len(auxPaths))
	for i, p := range auxPaths {
		img, err := NewSymbolImage(i+1, p, p)
		if err != nil {
			return nil, err
		}
		aux = append(aux, img)
	}
	sort.Slice(aux, func(i, j int) bool { return aux[i].Start < aux[j].Start })
	for i, img := range aux {
		img.ID = i + 1
	}

	if err := checkOverlap(main, aux); err != nil {
		return nil, err
	}
	return &ImageSet{main: main, aux: aux}, nil
}

func checkOverlap(main *SymbolImage, aux []*SymbolImage) error {
	for i := 0; i+1 < len(aux); i++ {
		if aux[i].End > aux[i+1].Start {
			return fmt.Errorf("ftrace: auxiliary images %q and %q overlap", aux[i].Name, aux[i+1].Name)
		}
	}
	for _, img := range aux {
		if main.Start < img.End && img.Start < main.End {
			return fmt.Errorf("ftrace: main image overlaps auxiliary image %q", img.Name)
		}
	}
	return nil
}

func (is *ImageSet) imageFor(cr curReader) *SymbolImage {
	switch cr.kind {
	case mainReader:
		return is.main
	case auxReader:
		if cr.index >= 0 && cr.index < len(is.aux) {
			return is.aux[cr.index]
		}
	}
	return nil
}

// toCurReader re-derives a cursor from an image, revalidating by id and
// cross-checking name/start/end against the candidate: id is authoritative,
// the rest guard against a stale or mismatched image reference.
func (is *ImageSet) toCurReader(img *SymbolImage) (curReader, bool) {
	if img == is.main {
		return curReader{kind: mainReader}, true
	}
	for i, a := range is.aux {
		if a.ID == img.ID && a.Name == img.Name && a.Start == img.Start && a.End == img.End {
			return curReader{kind: auxReader, index: i}, true
		}
	}
	return curReader{}, false
}

// Locate finds the image whose extent contains pc, preferring the current
// cursor for locality, then the main image, then auxiliaries in order. The
// returned cursor is re-derived through toCurReader so the id/name/extent
// cross-checks run on every resolution.
func (is *ImageSet) Locate(pc uint64, cur curReader) (*SymbolImage, curReader, bool) {
	if img := is.imageFor(cur); img != nil && img.Contains(pc) {
		return img, is.mustCurReader(img), true
	}
	if is.main.Contains(pc) {
		return is.main, is.mustCurReader(is.main), true
	}
	for _, img := range is.aux {
		if img.Contains(pc) {
			return img, is.mustCurReader(img), true
		}
	}
	return nil, curReader{}, false
}

func (is *ImageSet) mustCurReader(img *SymbolImage) curReader {
	cr, ok := is.toCurReader(img)
	if !ok {
		panic(fmt.Errorf("ftrace: image %q (id %d) resolves to no cursor", img.Name, img.ID))
	}
	return cr
}
