// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package faces

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// RaFDCropSize is the center crop taken from the RaFD images.
const RaFDCropSize = 256

// imageExtensions accepted when scanning image folders.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff"}

// ScanImageFolder lists the images organized as `<dir>/<class>/<file>`. Classes are the sub-directories
// sorted alphabetically, and each example's Class is the index of its directory.
func ScanImageFolder(dir string) (classes []string, examples []Example, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to list image folder %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	slices.Sort(classes)
	for classIdx, class := range classes {
		files, err := os.ReadDir(filepath.Join(dir, class))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to list class %q", class)
		}
		// os.ReadDir returns the entries sorted by file name.
		for _, file := range files {
			if file.IsDir() || !slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(file.Name()))) {
				continue
			}
			examples = append(examples, Example{Path: filepath.Join(dir, class, file.Name()), Class: classIdx})
		}
	}
	if len(classes) == 0 {
		return nil, nil, errors.Errorf("image folder %q has no class sub-directories", dir)
	}
	return classes, examples, nil
}

// NewRaFD creates the RaFD dataset from the image folder of the split, e.g.: "data/RaFD/train".
// If opts.CropSize is 0, it uses RaFDCropSize.
func NewRaFD(imageDir string, split Split, opts Options) (ds *Dataset, classes []string, err error) {
	classes, examples, err := ScanImageFolder(imageDir)
	if err != nil {
		return nil, nil, err
	}
	if opts.CropSize == 0 {
		opts.CropSize = RaFDCropSize
	}
	ds, err = newDataset("rafd-"+string(split), RaFD, split, examples, len(classes), opts)
	if err != nil {
		return nil, nil, err
	}
	return ds, classes, nil
}
