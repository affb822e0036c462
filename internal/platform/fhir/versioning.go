package fhir

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
// versionTag is whatever the graph backend uses to identify a version
// (the string-encoded versionId, or a graph-native vertex id) and is
// wrapped in a weak ETag per the wire contract.
func SetVersionHeaders(c echo.Context, versionTag, lastModified string) {
	c.Response().Header().Set("ETag", FormatETag(versionTag))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// CheckIfMatch validates the If-Match header against the current version
// tag. Returns ("", nil) when no If-Match header is present (unconditional
// write). A resource that does not exist yet has no precondition to fail
// against, so callers pass currentVersion="" and this returns ("", nil)
// rather than a mismatch — the operation proceeds as if If-Match had been
// omitted. A mismatch is reported as 412 Precondition Failed.
func CheckIfMatch(c echo.Context, currentVersion string) (string, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return "", nil
	}
	if currentVersion == "" {
		return "", nil
	}

	expected := ParseETag(ifMatch)
	if expected != currentVersion {
		return "", echo.NewHTTPError(http.StatusPreconditionFailed,
			fmt.Sprintf("version conflict: If-Match %q does not match current version %q", expected, currentVersion))
	}

	return expected, nil
}

// ParseETag extracts the version tag from an ETag value like W/"3" or "3".
func ParseETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// FormatETag creates a weak ETag from a version tag.
func FormatETag(versionTag string) string {
	return fmt.Sprintf(`W/"%s"`, versionTag)
}

// CheckIfNoneMatch reports whether If-None-Match matches the current
// version tag, in which case the caller should respond 304 Not Modified.
func CheckIfNoneMatch(c echo.Context, currentVersion string) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	return ParseETag(ifNoneMatch) == currentVersion
}
