package document

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// ParseBody parses a response body, transcoding it to UTF-8 first. The charset
// comes from contentType when it declares one, otherwise it is detected.
func ParseBody(body []byte, contentType string) (*Document, error) {
	label := DeclaredCharset(contentType)
	if label == "" {
		label = DetectCharset(body)
	}
	enc, name := charset.Lookup(label)
	if enc == nil || name == "utf-8" {
		return ParseBytes(body)
	}
	return Parse(enc.NewDecoder().Reader(bytes.NewReader(body)))
}

// DeclaredCharset returns the charset parameter of a Content-Type value.
func DeclaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

// DetectCharset guesses the encoding of body. Valid UTF-8 is taken as is.
func DetectCharset(body []byte) string {
	if utf8.Valid(body) {
		return "utf-8"
	}
	res, err := chardet.NewHtmlDetector().DetectBest(body)
	if err != nil || res == nil {
		return "utf-8"
	}
	return strings.ToLower(res.Charset)
}
