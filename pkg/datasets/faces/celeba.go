// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package faces

import (
	"bufio"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultCelebAAttributes are the attributes used as domains by default.
var DefaultCelebAAttributes = []string{"Black_Hair", "Blond_Hair", "Brown_Hair", "Male", "Young"}

// HairColorAttributes are mutually exclusive attributes: when translating to one of them, the others are unset.
var HairColorAttributes = []string{"Black_Hair", "Blond_Hair", "Brown_Hair", "Gray_Hair"}

const (
	// CelebACropSize is the center crop taken from the 178x218 aligned CelebA images.
	CelebACropSize = 178

	// CelebANumTest is the number of images held out for the test split.
	CelebANumTest = 2000
)

// ParseCelebAAttributes parses the `list_attr_celeba.txt` format: the number of images in the first line,
// the attribute names in the second, and then one line per image with the file name followed by 1 or -1
// for each attribute.
//
// It returns the examples with the selected attributes only (1 for "1", 0 otherwise), in file order, with
// Path relative to the images directory.
func ParseCelebAAttributes(r io.Reader, selectedAttrs []string) ([]Example, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return nil, errors.Errorf("celeba attributes: missing number of images: %v", scanner.Err())
	}
	numImages, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, errors.Wrapf(err, "celeba attributes: invalid number of images %q", scanner.Text())
	}
	if !scanner.Scan() {
		return nil, errors.Errorf("celeba attributes: missing attribute names: %v", scanner.Err())
	}
	attrToIdx := make(map[string]int)
	for ii, name := range strings.Fields(scanner.Text()) {
		attrToIdx[name] = ii
	}
	selectedIdx := make([]int, len(selectedAttrs))
	for ii, name := range selectedAttrs {
		idx, found := attrToIdx[name]
		if !found {
			return nil, errors.Errorf("celeba attributes: unknown attribute %q", name)
		}
		selectedIdx[ii] = idx
	}

	examples := make([]Example, 0, numImages)
	lineNum := 2
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != len(attrToIdx)+1 {
			return nil, errors.Errorf("celeba attributes: line %d has %d values, expected %d",
				lineNum, len(fields)-1, len(attrToIdx))
		}
		values := fields[1:]
		attributes := make([]float32, len(selectedIdx))
		for ii, idx := range selectedIdx {
			if values[idx] == "1" {
				attributes[ii] = 1
			}
		}
		examples = append(examples, Example{Path: fields[0], Attributes: attributes})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "celeba attributes: reading")
	}
	if len(examples) != numImages {
		return nil, errors.Errorf("celeba attributes: header says %d images, found %d", numImages, len(examples))
	}
	return examples, nil
}

// SplitExamples shuffles the examples with the given seed and returns the first numTest as the test split
// and the remaining as the train split. The split is the same for the same seed.
func SplitExamples(examples []Example, numTest int, seed int64) (train, test []Example) {
	shuffled := make([]Example, len(examples))
	for ii, idx := range rand.New(rand.NewSource(seed)).Perm(len(examples)) {
		shuffled[ii] = examples[idx]
	}
	numTest = min(numTest, len(shuffled))
	return shuffled[numTest:], shuffled[:numTest]
}

// NewCelebA creates the CelebA dataset for the split, with the images in imageDir and the attributes in attrPath.
// If opts.CropSize is 0, it uses CelebACropSize.
func NewCelebA(imageDir, attrPath string, selectedAttrs []string, split Split, opts Options) (*Dataset, error) {
	f, err := os.Open(attrPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open CelebA attributes file")
	}
	defer func() { _ = f.Close() }()
	examples, err := ParseCelebAAttributes(f, selectedAttrs)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", attrPath)
	}
	for ii := range examples {
		examples[ii].Path = filepath.Join(imageDir, examples[ii].Path)
	}
	trainExamples, testExamples := SplitExamples(examples, CelebANumTest, opts.Seed)
	if split == Test {
		examples = testExamples
	} else {
		examples = trainExamples
	}
	if opts.CropSize == 0 {
		opts.CropSize = CelebACropSize
	}
	return newDataset("celeba-"+string(split), CelebA, split, examples, len(selectedAttrs), opts)
}
