package loader

import (
	"fmt"
	"strconv"
	"strings"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultEncoding  = "cl100k_base"
	DefaultMaxTokens = 500
)

// Chunker splits document text into token bounded chunks. Sentences and
// markdown tables are never split; a single sentence longer than the budget
// becomes a chunk of its own.
type Chunker struct {
	maxTokens int
	count     func(string) int
}

// NewChunker creates a Chunker counting tokens with the given tiktoken
// encoding.
func NewChunker(encoding string, maxTokens int) (*Chunker, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	// the encoding is downloaded on first use
	enc, err := gUtil.Retry(3, func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding(encoding)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return NewChunkerWithCounter(maxTokens, func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}), nil
}

// NewChunkerWithCounter creates a Chunker with a custom token counter.
func NewChunkerWithCounter(maxTokens int, count func(string) int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Chunker{maxTokens: maxTokens, count: count}
}

// Chunk splits prose into chunks of whole sentences.
func (c *Chunker) Chunk(documentID, text string) ([]common.Chunk, error) {
	sentences := splitIntoSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	var chunks []common.Chunk
	var current []string

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		chunks = append(chunks, common.Chunk{
			ID:         id,
			DocumentID: documentID,
			Position:   len(chunks),
			Text:       strings.TrimSpace(strings.Join(current, " ")),
		})
		current = nil
		return nil
	}

	for _, sentence := range sentences {
		if len(current) > 0 && c.count(strings.Join(append(current, sentence), " ")) > c.maxTokens {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		current = append(current, sentence)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// ChunkRows splits CSV text by rows and repeats a detected header row at the
// top of every chunk.
func (c *Chunker) ChunkRows(documentID, text string) ([]common.Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	rows := strings.Split(text, "\n")

	header := ""
	data := rows
	if isCSVHeader(rows) {
		header = rows[0]
		data = rows[1:]
	}

	var chunks []common.Chunk
	var current []string
	tokens := 0

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		var b strings.Builder
		if header != "" {
			b.WriteString(header)
			b.WriteString("\n")
		}
		b.WriteString(strings.Join(current, "\n"))
		chunks = append(chunks, common.Chunk{
			ID:         id,
			DocumentID: documentID,
			Position:   len(chunks),
			Text:       b.String(),
		})
		current = nil
		tokens = 0
		return nil
	}

	for _, row := range data {
		rowTokens := c.count(row) + 1
		if tokens+rowTokens > c.maxTokens && len(current) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		current = append(current, row)
		tokens += rowTokens
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return chunks, nil
}

var headerHints = []string{
	"id", "name", "date", "time", "type", "status",
	"description", "value", "amount", "count", "total", "email", "phone",
}

// isCSVHeader guesses whether the first row names columns: it is mostly
// non-numeric while the rows below carry numbers, or it uses at least two
// common column names.
func isCSVHeader(rows []string) bool {
	if len(rows) < 2 {
		return false
	}
	first := splitFields(rows[0])

	firstNumeric := 0
	hints := 0
	for _, f := range first {
		if isNumeric(f) {
			firstNumeric++
		}
		lower := strings.ToLower(f)
		for _, h := range headerHints {
			if strings.Contains(lower, h) {
				hints++
				break
			}
		}
	}
	if hints >= 2 {
		return true
	}

	dataNumeric, dataFields := 0, 0
	for _, row := range rows[1:min(6, len(rows))] {
		for _, f := range splitFields(row) {
			dataFields++
			if isNumeric(f) {
				dataNumeric++
			}
		}
	}
	if dataFields == 0 {
		return false
	}
	firstRatio := float64(firstNumeric) / float64(len(first))
	dataRatio := float64(dataNumeric) / float64(dataFields)
	return firstRatio < 0.3 && dataRatio > firstRatio+0.2
}

func splitFields(row string) []string {
	fields := strings.Split(row, ",")
	for i, f := range fields {
		fields[i] = strings.Trim(strings.TrimSpace(f), "\"")
	}
	return fields
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
