package engine

import (
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Preflight validates the PDF at path locally and returns its page count,
// before the expensive remote conversion is attempted. A file the local
// parser rejects would fail remotely anyway.
func Preflight(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("engine: preflight open: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return 0, fmt.Errorf("engine: preflight parse: %w", err)
	}
	return ctx.PageCount, nil
}
