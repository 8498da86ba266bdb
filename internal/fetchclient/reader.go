package fetchclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"unicode/utf16"

	"github.com/andybalholm/brotli"
	kflate "github.com/klauspost/compress/flate"
	kgzip "github.com/klauspost/compress/gzip"

	"github.com/fetchmcp/fetchmcp/internal/errs"
)

// textLikeWhitelist lists the exact media types treated as text besides
// "text/*" (spec.md §4.6 Content-Type gate).
var textLikeWhitelist = map[string]bool{
	"application/json":        true,
	"application/ld+json":     true,
	"application/xml":         true,
	"application/xhtml+xml":   true,
	"application/javascript":  true,
	"application/ecmascript":  true,
	"application/x-javascript": true,
	"application/x-yaml":      true,
	"application/yaml":        true,
	"application/markdown":    true,
}

var textLikeSuffixes = []string{"+json", "+xml", "+yaml", "+text", "+markdown"}

// IsTextLike implements the Content-Type gate from spec.md §4.6. An empty
// mediaType (Content-Type absent) is allowed.
func IsTextLike(mediaType string) bool {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if mediaType == "" {
		return true
	}
	if idx := strings.IndexByte(mediaType, ';'); idx != -1 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	if textLikeWhitelist[mediaType] {
		return true
	}
	for _, suffix := range textLikeSuffixes {
		if strings.HasSuffix(mediaType, suffix) {
			return true
		}
	}
	return false
}

var supportedEncodingTokens = map[string]bool{"gzip": true, "deflate": true, "br": true}

// ParseContentEncoding implements spec.md §4.6's Content-Encoding parsing:
// a comma-separated list with "identity" dropped; any other unrecognized
// token rejects the whole response.
func ParseContentEncoding(header string) ([]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	var tokens []string
	for _, raw := range strings.Split(header, ",") {
		tok := strings.ToLower(strings.TrimSpace(raw))
		if tok == "" || tok == "identity" {
			continue
		}
		if !supportedEncodingTokens[tok] {
			return nil, errs.New(errs.KindUnsupportedEncoding, "", "unsupported content-encoding token %q", tok)
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// decompressOne wraps r with a single decompression stage for token.
func decompressOne(token string, r io.Reader) (io.ReadCloser, error) {
	switch token {
	case "gzip":
		return kgzip.NewReader(r)
	case "deflate":
		return kflate.NewReader(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return nil, errs.New(errs.KindUnsupportedEncoding, "", "unsupported content-encoding token %q", token)
	}
}

// decodeWithFallback applies tokens to raw in reverse-application order
// (the order they were applied on the wire is left-to-right in the header,
// so undoing them proceeds right-to-left), teeing the raw bytes so that a
// mid-stream decode failure can fall back to serving the undecoded body
// (spec.md §9 "Tee-and-fallback decoding").
func decodeWithFallback(raw []byte, tokens []string) (decoded []byte, usedRaw bool, warning string) {
	if len(tokens) == 0 {
		return raw, false, ""
	}
	var teeBuf bytes.Buffer
	r := io.TeeReader(bytes.NewReader(raw), &teeBuf)

	var stack io.Reader = r
	var closers []io.Closer
	for i := len(tokens) - 1; i >= 0; i-- {
		rc, err := decompressOne(tokens[i], stack)
		if err != nil {
			closeAll(closers)
			return raw, true, "content-encoding decode setup failed, serving undecoded body: " + err.Error()
		}
		closers = append(closers, rc)
		stack = rc
	}
	out, err := io.ReadAll(stack)
	closeAll(closers)
	if err != nil {
		return raw, true, "content-encoding decode failed mid-stream, serving undecoded body: " + err.Error()
	}
	return out, false, ""
}

// DecodeContentEncoding undoes the Content-Encoding tokens on raw,
// tee-and-fallback style (see decodeWithFallback), for callers outside this
// package that need to decompress before handing a response to ReadBuffer
// or Read — decompression must happen before binary-signature detection,
// since compressed bytes carry their own (misleading) magic numbers.
func DecodeContentEncoding(raw []byte, tokens []string) (decoded []byte, usedRaw bool, warning string) {
	return decodeWithFallback(raw, tokens)
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
}

// binarySignatures is the prefix-match table from spec.md §4.6.
var binarySignatures = [][]byte{
	[]byte("%PDF-"),
	{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A},
	[]byte("GIF87a"),
	[]byte("GIF89a"),
	{0xFF, 0xD8, 0xFF}, // JPEG
	[]byte("RIFF"),
	{'B', 'M'},                   // BMP
	{0x49, 0x49, 0x2A, 0x00},     // TIFF little-endian
	{0x4D, 0x4D, 0x00, 0x2A},     // TIFF big-endian
	{0x00, 0x00, 0x01, 0x00},     // ICO
	{'P', 'K', 0x03, 0x04},       // ZIP
	{0x1F, 0x8B},                 // GZIP
	{'B', 'Z', 'h'},              // BZ2
	[]byte("Rar!\x1a\x07"),       // RAR
	{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, // 7Z
	{0x7F, 'E', 'L', 'F'},        // ELF
	{'M', 'Z'},                   // PE
	{0xFE, 0xED, 0xFA, 0xCE},     // Mach-O 32 BE
	{0xFE, 0xED, 0xFA, 0xCF},     // Mach-O 64 BE
	{0xCE, 0xFA, 0xED, 0xFE},     // Mach-O 32 LE
	{0xCF, 0xFA, 0xED, 0xFE},     // Mach-O 64 LE
	{0x00, 0x61, 0x73, 0x6D},     // WASM
	{0x1A, 0x45, 0xDF, 0xA3},     // Matroska/WebM (EBML)
	[]byte("ftyp"),               // matched at offset 4 below, handled specially
	[]byte("FLV"),
	[]byte("ID3"),
	[]byte("OggS"),
	[]byte("fLaC"),
	{0x4D, 0x54, 0x68, 0x64}, // MIDI
	[]byte("wOFF"),
	[]byte("OTTO"),
	{0x00, 0x01, 0x00, 0x00}, // TTF
	[]byte("SQLite format 3\x00"),
}

// IsBinarySignature implements the binary-signature check from spec.md
// §4.6: a prefix match against the known table, or an MP4/ftyp box, or (as
// a fallback) a NUL byte within the first 1000 bytes unless effectiveEncoding
// names a UTF-16/UTF-32/UCS-2 family where NULs are structural.
func IsBinarySignature(buf []byte, effectiveEncoding string) bool {
	for _, sig := range binarySignatures {
		if bytes.HasPrefix(buf, sig) {
			return true
		}
	}
	if len(buf) >= 8 && bytes.Equal(buf[4:8], []byte("ftyp")) {
		return true
	}
	scanLen := len(buf)
	if scanLen > 1000 {
		scanLen = 1000
	}
	if isWideEncoding(effectiveEncoding) {
		return false
	}
	return bytes.IndexByte(buf[:scanLen], 0x00) != -1
}

func isWideEncoding(enc string) bool {
	switch strings.ToLower(enc) {
	case "utf-16", "utf-16le", "utf-16be", "utf-32", "utf-32le", "utf-32be", "ucs-2":
		return true
	}
	return false
}

// DetectBOM reports the charset implied by a byte-order mark at the start
// of buf, checked in the order spec.md §4.6 names: UTF-32 before UTF-16
// since the UTF-16LE BOM is a prefix of the UTF-32LE BOM.
func DetectBOM(buf []byte) (encoding string, bomLen int) {
	switch {
	case bytes.HasPrefix(buf, []byte{0xFF, 0xFE, 0x00, 0x00}):
		return "utf-32le", 4
	case bytes.HasPrefix(buf, []byte{0x00, 0x00, 0xFE, 0xFF}):
		return "utf-32be", 4
	case bytes.HasPrefix(buf, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8", 3
	case bytes.HasPrefix(buf, []byte{0xFF, 0xFE}):
		return "utf-16le", 2
	case bytes.HasPrefix(buf, []byte{0xFE, 0xFF}):
		return "utf-16be", 2
	}
	return "", 0
}

// metaCharsetScanLimit bounds how much of the body is scanned for an HTML
// meta-charset or XML encoding declaration (spec.md §4.6).
const metaCharsetScanLimit = 8192

// DetectMetaCharset scans the first metaCharsetScanLimit bytes of buf for an
// HTML `<meta charset=...>` tag or an XML `encoding="..."` declaration.
func DetectMetaCharset(buf []byte) string {
	scanLen := len(buf)
	if scanLen > metaCharsetScanLimit {
		scanLen = metaCharsetScanLimit
	}
	head := strings.ToLower(string(buf[:scanLen]))

	if idx := strings.Index(head, "charset="); idx != -1 {
		rest := head[idx+len("charset="):]
		return extractQuotedOrBareToken(rest)
	}
	if idx := strings.Index(head, "encoding=\""); idx != -1 {
		rest := head[idx+len("encoding=\""):]
		if end := strings.IndexByte(rest, '"'); end != -1 {
			return rest[:end]
		}
	}
	return ""
}

func extractQuotedOrBareToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if s[0] == '"' || s[0] == '\'' {
		quote := s[0]
		s = s[1:]
		if end := strings.IndexByte(s, quote); end != -1 {
			return s[:end]
		}
		return ""
	}
	end := 0
	for end < len(s) {
		c := s[end]
		if c == '"' || c == '\'' || c == '>' || c == ' ' || c == ';' {
			break
		}
		end++
	}
	return s[:end]
}

// ResolveEffectiveEncoding implements the charset-resolution order from
// spec.md §4.6: BOM, then caller-provided declaration, then meta-scan, then
// utf-8.
func ResolveEffectiveEncoding(buf []byte, declared string) string {
	if enc, _ := DetectBOM(buf); enc != "" {
		return enc
	}
	if declared != "" {
		return strings.ToLower(declared)
	}
	if enc := DetectMetaCharset(buf); enc != "" {
		return enc
	}
	return "utf-8"
}

// ReadBufferResult is readBuffer's return value (spec.md §4.6).
type ReadBufferResult struct {
	Buffer    []byte
	Encoding  string
	Size      int
	Truncated bool
}

// ReadResult is read's return value (spec.md §4.6).
type ReadResult struct {
	Text      string
	Size      int
	Truncated bool
}

// ReadBuffer implements readBuffer from spec.md §4.6: stream the body up to
// maxBytes (0/negative means unbounded), classify it as binary, and resolve
// its effective charset.
func ReadBuffer(ctx context.Context, resp *http.Response, maxBytes int64, declaredEncoding string) (ReadBufferResult, error) {
	body := resp.Body
	defer body.Close()

	limit := maxBytes
	if limit <= 0 {
		limit = 1<<63 - 1
	}

	var buf bytes.Buffer
	truncated := false
	chunk := make([]byte, 32*1024)
	checkedBinary := false

	for {
		select {
		case <-ctx.Done():
			return ReadBufferResult{}, errs.Wrap(errs.KindAbortedDuringRead, resp.Request.URL.String(), ctx.Err())
		default:
		}

		n, err := body.Read(chunk)
		if n > 0 {
			remaining := limit - int64(buf.Len())
			if int64(n) > remaining {
				buf.Write(chunk[:remaining])
				truncated = true
			} else {
				buf.Write(chunk[:n])
			}

			if !checkedBinary && buf.Len() > 0 {
				checkedBinary = true
				effective := ResolveEffectiveEncoding(buf.Bytes(), declaredEncoding)
				if IsBinarySignature(buf.Bytes(), effective) {
					return ReadBufferResult{}, errs.New(errs.KindBinaryContent, resp.Request.URL.String(), "binary content detected")
				}
			}
		}
		if truncated || int64(buf.Len()) >= limit {
			break
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ReadBufferResult{}, errs.Wrap(errs.KindAbortedDuringRead, resp.Request.URL.String(), ctx.Err())
			}
			return ReadBufferResult{}, errs.Wrap(errs.KindNetwork, resp.Request.URL.String(), err)
		}
	}

	raw := buf.Bytes()
	encoding := ResolveEffectiveEncoding(raw, declaredEncoding)

	return ReadBufferResult{Buffer: raw, Encoding: encoding, Size: len(raw), Truncated: truncated}, nil
}

// Read implements read from spec.md §4.6: like ReadBuffer, but returns the
// buffer as text. A UTF-16 LE/BE buffer is decoded; any other encoding is
// returned as the raw bytes minus a leading UTF-8 BOM, without transcoding.
func Read(ctx context.Context, resp *http.Response, maxBytes int64, declaredEncoding string) (ReadResult, error) {
	bufResult, err := ReadBuffer(ctx, resp, maxBytes, declaredEncoding)
	if err != nil {
		return ReadResult{}, err
	}
	text := decodeBufferToText(bufResult.Buffer, bufResult.Encoding)
	return ReadResult{Text: text, Size: bufResult.Size, Truncated: bufResult.Truncated}, nil
}

func decodeBufferToText(buf []byte, encoding string) string {
	switch strings.ToLower(encoding) {
	case "utf-16le":
		return decodeUTF16(buf, false)
	case "utf-16be":
		return decodeUTF16(buf, true)
	default:
		return string(bytes.TrimPrefix(buf, []byte{0xEF, 0xBB, 0xBF}))
	}
}

func decodeUTF16(buf []byte, bigEndian bool) string {
	if _, n := DetectBOM(buf); n == 2 {
		buf = buf[2:] // drop the UTF-16 BOM; a declared encoding may come without one
	}
	if len(buf)%2 != 0 {
		buf = buf[:len(buf)-1]
	}
	units := make([]uint16, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		if bigEndian {
			units = append(units, uint16(buf[i])<<8|uint16(buf[i+1]))
		} else {
			units = append(units, uint16(buf[i+1])<<8|uint16(buf[i]))
		}
	}
	return string(utf16.Decode(units))
}
