package ai

import (
	"fmt"
	"strings"

	"gopherchat/internal/pkg/imageutil"
	"gopherchat/internal/pkg/pdfextract"
)

const maxPDFRunes = 20000

// MediaPart converts an attachment into a prompt part: images are shrunk to
// fit maxEdge and inlined, PDFs become a text part with their extracted text.
func MediaPart(name, mimeType string, data []byte, maxEdge int) (Part, error) {
	if mimeType == "application/pdf" {
		text, err := pdfextract.ExtractText(data, maxPDFRunes)
		if err != nil {
			return Part{}, err
		}
		if strings.TrimSpace(text) == "" {
			text = "(no extractable text)"
		}
		return Part{Kind: PartText, Text: fmt.Sprintf("Attached document %q:\n%s", name, text)}, nil
	}

	fitted, fittedType, err := imageutil.Fit(data, mimeType, maxEdge)
	if err != nil {
		return Part{}, err
	}
	return Part{Kind: PartImage, MIMEType: fittedType, Data: fitted}, nil
}
