// Copyright (c) 2026 John Earle
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

package mailparse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/compintel/ingestion/internal/models"
)

// CleanText returns the readable body of an email: the plain-text part when
// it has content, otherwise the HTML part with markup removed. Whitespace is
// collapsed to single spaces.
func CleanText(email *models.InboundEmail) string {
	if text := collapseWhitespace(email.Body.Text); text != "" {
		return text
	}
	return HTMLToText(email.Body.HTML)
}

// HTMLToText strips markup, scripts and styles from an HTML document.
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseWhitespace(html)
	}
	doc.Find("script, style, head, noscript").Remove()
	// Block elements run together in Text(); pad them so words stay apart.
	doc.Find("p, div, br, li, tr, td, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return collapseWhitespace(doc.Text())
}

// Title returns the subject, or a placeholder for subject-less mail.
func Title(email *models.InboundEmail) string {
	if email.Subject != "" {
		return email.Subject
	}
	return "(no subject)"
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
