package storage

import (
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidKey rejects blob keys outside the answer-file scheme, including
// anything that could traverse out of the store's base directory.
var ErrInvalidKey = errors.New("invalid blob key")

// BlobStore holds file-upload answer content. The engine only records the
// returned key on the answer row; graders stream the bytes back via Get.
type BlobStore interface {
	Put(key string, r io.Reader) (string, error) // returns canonical key
	Get(key string) (io.ReadCloser, error)
}

const answerPrefix = "answers/"

// AnswerKey is the canonical blob key for one attempt's answer file.
func AnswerKey(attemptID, questionID, filename string) string {
	return answerPrefix + attemptID + "/" + questionID + "/" + filename
}

// ValidKey accepts only keys AnswerKey could have produced: already clean,
// under answers/, with no empty or dot segments.
func ValidKey(key string) bool {
	if !strings.HasPrefix(key, answerPrefix) {
		return false
	}
	if path.Clean(key) != key {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
