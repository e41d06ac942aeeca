package engine

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/example/imageproc/api-go/internal/model"
)

var manifestHeader = []string{"S. No.", "Product Name", "Input Image Urls", "Output Image Urls"}

// BuildManifest renders the output table: one row per work item in input
// order, pairing source references with the outputs that succeeded.
func BuildManifest(items []model.WorkItem) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(manifestHeader); err != nil {
		return nil, err
	}
	for _, item := range items {
		record := []string{
			strconv.Itoa(item.Seq),
			item.Label,
			strings.Join(item.SourceRefs, ", "),
			strings.Join(item.ResultRefs, ", "),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
