// Package canon provides the canonical JSON value model used to hash records.
//
// A record leaf must be identical across process restarts and across producers
// that spell the same record differently. canon fixes the encoding:
//   - Object keys sorted by UTF-16 code units (RFC 8785)
//   - Strings NFC normalized, no HTML escaping, U+2028/U+2029 written literally
//   - Numbers reduced to plain decimal notation (12.50, 12.5 and 1.25e1 are one value)
//   - -0 is written as 0
//
// canon imports nothing internal.
package canon
