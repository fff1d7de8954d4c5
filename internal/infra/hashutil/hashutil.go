package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"webinteract/internal/domain"
)

// CatalogETag returns an ETag for a tool catalog and logs on failure.
func CatalogETag(logger *zap.Logger, tools []domain.ToolDescriptor) string {
	return hashWithLogger(logger, "catalog", func() (string, error) {
		return hashJSON(tools)
	})
}

// ToolETag returns an ETag for a single published tool.
func ToolETag(logger *zap.Logger, tool any) string {
	return hashWithLogger(logger, "tool", func() (string, error) {
		return hashJSON(tool)
	})
}

func hashJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func hashWithLogger(logger *zap.Logger, label string, fn func() (string, error)) string {
	etag, err := fn()
	if err != nil {
		if logger != nil {
			logger.Warn(fmt.Sprintf("%s hash failed", label), zap.Error(err))
		}
		return ""
	}
	return etag
}
