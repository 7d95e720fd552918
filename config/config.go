// Package config parses the whitespace-tolerant "key = value" format used
// by NGDP build, CDN, and product configuration files (spec.md §4.2).
//
// Grounded on the teacher's own config.go (a flat key=value reader over
// flags), generalized to typed accessors per recognized key family instead
// of a single flag set.
package config

import (
	"strconv"
	"strings"
)

// File is a parsed key=value configuration file. Each value is stored as
// its whitespace-separated tokens, in order; the original spacing between
// tokens is not kept.
type File struct {
	order  []string
	values map[string][]string
}

// Parse reads a whitespace-tolerant "key = value" file. A line whose first
// non-space character is "#" is a comment; a "#" later in a line is kept as
// part of the value. Lines without "=" are skipped. The value (everything
// after the first "=") is split into whitespace-separated tokens, so runs
// of spaces or tabs inside it are not preserved.
func Parse(text string) *File {
	f := &File{values: make(map[string][]string)}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, val, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if _, exists := f.values[key]; !exists {
			f.order = append(f.order, key)
		}
		f.values[key] = strings.Fields(val)
	}
	return f
}

// Raw returns the raw multi-token value of key, joined with single spaces,
// or "" if absent.
func (f *File) Raw(key string) string {
	toks, ok := f.values[key]
	if !ok {
		return ""
	}
	return strings.Join(toks, " ")
}

// Tokens returns the whitespace-split tokens of key's value.
func (f *File) Tokens(key string) []string {
	return f.values[key]
}

// Has reports whether key is present.
func (f *File) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

// HashWithSize returns a "hash size" pair (e.g. "root <hex> <decimal
// size>") when the key's second token parses as decimal, per spec.md §4.2.
// A key with a single token yields that token with size 0 and ok true.
// ok is false if the key is absent or the second token isn't decimal.
func (f *File) HashWithSize(key string) (hash string, size int64, ok bool) {
	toks := f.values[key]
	if len(toks) < 2 {
		if len(toks) == 1 {
			return toks[0], 0, true
		}
		return "", 0, false
	}
	n, err := strconv.ParseInt(toks[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return toks[0], n, true
}

// Keys returns the keys in first-seen order.
func (f *File) Keys() []string {
	return append([]string(nil), f.order...)
}

// Write serializes the file back to "key = value" text, one key per line
// in first-seen order.
func (f *File) Write() string {
	var b strings.Builder
	for _, k := range f.order {
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(strings.Join(f.values[k], " "))
		b.WriteByte('\n')
	}
	return b.String()
}

// recognized build/CDN/product config key families, per spec.md §4.2.
const (
	KeyRoot                  = "root"
	KeyEncoding              = "encoding"
	KeyInstall               = "install"
	KeyDownload              = "download"
	KeySize                  = "size"
	KeyPatch                 = "patch"
	KeyPatchConfig           = "patch-config"
	KeyVFSRootPrefix         = "vfs-root"
	KeyBuildPartialPriority  = "build-partial-priority"
	KeyBuildProductESpec     = "build-product-espec"
	KeyBuildPlaytimeURL      = "build-playtime-url"
	KeyArchives              = "archives"
	KeyArchivesIndexSize     = "archives-index-size"
	KeyPatchArchives         = "patch-archives"
	KeyPatchFileIndex        = "patch-file-index"
	KeyPatchFileIndexSize    = "patch-file-index-size"
	KeyFileIndex             = "file-index"
)

// VFSKey returns the "vfs-N" key name for the given VFS table index.
func VFSKey(n int) string {
	return "vfs-" + strconv.Itoa(n)
}

// BuildConfig provides typed access to a build configuration's fields.
type BuildConfig struct{ *File }

func NewBuildConfig(text string) *BuildConfig { return &BuildConfig{Parse(text)} }

// Root returns the CKey (and optional EKey) of the root manifest.
func (c *BuildConfig) Root() []string { return c.Tokens(KeyRoot) }

// Encoding returns the (CKey, EKey) pair and optional sizes of the encoding
// manifest, per "hash size" convention.
func (c *BuildConfig) Encoding() []string { return c.Tokens(KeyEncoding) }

// Install returns the install manifest's key tokens.
func (c *BuildConfig) Install() []string { return c.Tokens(KeyInstall) }

// Download returns the download manifest's key tokens.
func (c *BuildConfig) Download() []string { return c.Tokens(KeyDownload) }

// Size returns the size manifest's key tokens.
func (c *BuildConfig) Size() []string { return c.Tokens(KeySize) }

// VFSRoot returns the TVFS root manifest's key tokens.
func (c *BuildConfig) VFSRoot() []string { return c.Tokens(KeyVFSRootPrefix) }

// CDNConfig provides typed access to a CDN configuration's fields.
type CDNConfig struct{ *File }

func NewCDNConfig(text string) *CDNConfig { return &CDNConfig{Parse(text)} }

func (c *CDNConfig) Archives() []string           { return c.Tokens(KeyArchives) }
func (c *CDNConfig) ArchivesIndexSize() []string   { return c.Tokens(KeyArchivesIndexSize) }
func (c *CDNConfig) PatchArchives() []string       { return c.Tokens(KeyPatchArchives) }
func (c *CDNConfig) PatchFileIndex() string        { return c.Raw(KeyPatchFileIndex) }
func (c *CDNConfig) PatchFileIndexSize() string    { return c.Raw(KeyPatchFileIndexSize) }
func (c *CDNConfig) FileIndex() string             { return c.Raw(KeyFileIndex) }

// ProductConfig provides typed access to a product (".build.info"-adjacent)
// configuration's fields.
type ProductConfig struct{ *File }

func NewProductConfig(text string) *ProductConfig { return &ProductConfig{Parse(text)} }

func (c *ProductConfig) PartialPriority() string { return c.Raw(KeyBuildPartialPriority) }
func (c *ProductConfig) ProductESpec() string    { return c.Raw(KeyBuildProductESpec) }
func (c *ProductConfig) PlaytimeURL() string     { return c.Raw(KeyBuildPlaytimeURL) }
