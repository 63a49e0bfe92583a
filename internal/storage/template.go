package storage

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"text/template"
)

// PathTemplateData holds the data for path template execution
type PathTemplateData struct {
	FileType  string
	Name      string
	Ext       string
	CapsuleID int64
}

// BuildPath executes the template and returns the relative path
func BuildPath(templateStr string, data *PathTemplateData) (string, error) {
	tmpl, err := template.New("layout").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// BuildPathTemplateData derives the template fields from the remote URL.
func BuildPathTemplateData(capsuleID int64, fileType, remoteURL string) *PathTemplateData {
	name := remoteURL
	if u, err := url.Parse(remoteURL); err == nil && u.Path != "" {
		name = u.Path
	}
	base := path.Base(name)
	ext := ParseExtension(path.Ext(base))

	return &PathTemplateData{
		CapsuleID: capsuleID,
		FileType:  Sanitize(fileType),
		Name:      Sanitize(strings.TrimSuffix(base, path.Ext(base))),
		Ext:       Sanitize(ext),
	}
}

// BuildFullPath joins the rendered template onto cacheDir and refuses
// paths that would land outside of it.
func BuildFullPath(cacheDir, templateStr string, data *PathTemplateData) (string, error) {
	relPath, err := BuildPath(templateStr, data)
	if err != nil {
		return "", err
	}
	if relPath == "" {
		return "", fmt.Errorf("template %q rendered an empty path", templateStr)
	}

	root := filepath.Clean(cacheDir)
	fullPath := filepath.Clean(filepath.Join(root, relPath))

	rel, err := filepath.Rel(root, fullPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes cache dir %q", relPath, cacheDir)
	}

	return fullPath, nil
}

// ParseExtension parses an extension string, ensuring it starts with a dot
func ParseExtension(ext string) string {
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}
