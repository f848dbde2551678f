package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/kljensen/snowball"
)

// DefaultStopWords is the common English stop-word list.
var DefaultStopWords = []string{
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and", "any", "are",
	"aren't", "as", "at", "be", "because", "been", "before", "being", "below", "between", "both",
	"but", "by", "can't", "cannot", "could", "couldn't", "did", "didn't", "do", "does", "doesn't",
	"doing", "don't", "down", "during", "each", "few", "for", "from", "further", "had", "hadn't",
	"has", "hasn't", "have", "haven't", "having", "he", "he'd", "he'll", "he's", "her", "here",
	"here's", "hers", "herself", "him", "himself", "his", "how", "how's", "i", "i'd", "i'll",
	"i'm", "i've", "if", "in", "into", "is", "isn't", "it", "it's", "its", "itself", "let's", "me",
	"more", "most", "mustn't", "my", "myself", "no", "nor", "not", "of", "off", "on", "once",
	"only", "or", "other", "ought", "our", "ours", "ourselves", "out", "over", "own", "same",
	"shan't", "she", "she'd", "she'll", "she's", "should", "shouldn't", "so", "some", "such",
	"than", "that", "that's", "the", "their", "theirs", "them", "themselves", "then", "there",
	"there's", "these", "they", "they'd", "they'll", "they're", "they've", "this", "those",
	"through", "to", "too", "under", "until", "up", "very", "was", "wasn't", "we", "we'd",
	"we'll", "we're", "we've", "were", "weren't", "what", "what's", "when", "when's", "where",
	"where's", "which", "while", "who", "who's", "whom", "why", "why's", "with", "won't",
	"would", "wouldn't", "you", "you'd", "you'll", "you're", "you've", "your", "yours",
	"yourself", "yourselves",
}

type WordOptions struct {
	// StopWords replaces DefaultStopWords when non-nil.
	StopWords      []string
	ExtraStopWords []string
	// Dictionary, when non-empty, restricts counted words to its members.
	Dictionary []string
	// DictionaryFalsePositive is the bloom filter error rate; 0 means 0.001.
	DictionaryFalsePositive float64
	Stem                    bool
}

// WordFilter decides which page tokens are counted and how they are keyed.
// It is immutable after construction and safe for concurrent use.
type WordFilter struct {
	stop map[string]struct{}
	dict *bloom.BloomFilter
	stem bool
}

func NewWordFilter(opts WordOptions) (*WordFilter, error) {
	stop := opts.StopWords
	if stop == nil {
		stop = DefaultStopWords
	}
	wf := &WordFilter{stop: make(map[string]struct{}, len(stop)+len(opts.ExtraStopWords)), stem: opts.Stem}
	for _, lists := range [][]string{stop, opts.ExtraStopWords} {
		for _, w := range lists {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				wf.stop[w] = struct{}{}
			}
		}
	}
	if len(opts.Dictionary) > 0 {
		fp := opts.DictionaryFalsePositive
		if fp <= 0 {
			fp = 0.001
		}
		if fp >= 1 {
			return nil, fmt.Errorf("dictionary false positive rate %v out of range", fp)
		}
		wf.dict = bloom.NewWithEstimates(uint(len(opts.Dictionary)), fp)
		for _, w := range opts.Dictionary {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				wf.dict.AddString(w)
			}
		}
	}
	return wf, nil
}

// Normalize returns the key under which token is counted, or false when the
// token is dropped.
func (wf *WordFilter) Normalize(token string) (string, bool) {
	w := strings.ToLower(strings.TrimFunc(token, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
	if w == "" {
		return "", false
	}
	if _, ok := wf.stop[w]; ok {
		return "", false
	}
	if wf.dict != nil && !wf.dict.TestString(w) {
		return "", false
	}
	if wf.stem {
		if s, err := snowball.Stem(w, "english", true); err == nil && s != "" {
			w = s
		}
	}
	return w, true
}

// ReadWordList reads one word per line; blank lines and #-comments are skipped.
func ReadWordList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func LoadWordList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	words, err := ReadWordList(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return words, nil
}
