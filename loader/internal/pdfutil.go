package internal

import (
	"fmt"
	"io"
	"os"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// CropHeaderFooter writes a copy of inputPath to outputPath with every page
// cropped by box, given in pdfcpu box syntax in points ("top right bottom left"
// margins, e.g. "46 0 57 0").
func CropHeaderFooter(inputPath, outputPath, box string) error {
	b, err := model.ParseBox(box, types.POINTS)
	if err != nil {
		return fmt.Errorf("failed to parse crop box: %w", err)
	}
	if err := api.CropFile(inputPath, outputPath, []string{"1-"}, b, api.LoadConfiguration()); err != nil {
		return fmt.Errorf("failed to crop PDF: %w", err)
	}
	return nil
}

// PageCount validates the PDF structure and returns its number of pages.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("invalid PDF: %w", err)
	}
	return n, nil
}

// ExtractText returns the plain text of every page joined by form feeds, so
// page numbers survive chunking. Pages without a content stream contribute an
// empty page.
func ExtractText(path string) (string, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}
	defer f.Close()

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return strings.Join(pages, "\f"), nil
}

// loadPDF extracts text from a PDF, cropping it first on a temporary copy
// when cropBox is set. The source file is never modified.
func loadPDF(path, cropBox string) (string, error) {
	pages, err := PageCount(path)
	if err != nil {
		return "", err
	}

	src := path
	if cropBox != "" {
		tmp, err := os.CreateTemp("", "docqa-crop-*.pdf")
		if err != nil {
			return "", err
		}
		tmpPath := tmp.Name()
		tmp.Close()
		defer os.Remove(tmpPath)

		if err := CropHeaderFooter(path, tmpPath, cropBox); err != nil {
			return "", err
		}
		src = tmpPath
	}

	text, err := ExtractText(src)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(strings.ReplaceAll(text, "\f", "")) == "" {
		return "", fmt.Errorf("no extractable text in %d pages", pages)
	}
	return text, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
