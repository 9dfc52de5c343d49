package server

import (
	"path"
	"strings"
)

// mediaTypes maps asset extensions to content types. Browsers are strict
// about some of these: wasm must be application/wasm for streaming
// instantiation, and module scripts require a JavaScript type.
var mediaTypes = map[string]string{
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".json":  "application/json",
	".wasm":  "application/wasm",
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".xml":   "application/xml",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".ico":   "image/x-icon",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".pdf":   "application/pdf",
}

const defaultMediaType = "application/octet-stream"

// mediaTypeFor resolves the content type for a logical path. A trailing
// .br marks the transfer encoding, not the content, so it is stripped
// before the lookup.
func mediaTypeFor(logical string) string {
	name := strings.TrimSuffix(logical, ".br")
	if mt, ok := mediaTypes[strings.ToLower(path.Ext(name))]; ok {
		return mt
	}
	return defaultMediaType
}
