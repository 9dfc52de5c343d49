// Package pack implements the packed-archive container format used to
// bundle a folder tree of game assets into a single blob.
//
// A container is a write-once file: a fixed header, a binary index
// describing every entry, then the concatenated compressed payloads in
// index order. Because the index precedes the payloads, a consumer can
// learn the full layout from one bounded prefix read and then fetch only
// the byte ranges it needs — this is what enables both HTTP range serving
// and resumable streaming unpacks.
//
// Datasets are identified by a content digest over their folder tree
// (see TreeDigest); the canonical container filename is "{digest}.bin"
// and unpacked trees live under "unpacked/{digest}/".
package pack
