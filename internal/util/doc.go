// Package util provides small shared helpers used across the library.
//
// Key utilities:
//   - SafeTruncate: safely truncates strings for logging sensitive data
//   - NormalizeURL: trailing-slash-insensitive URL comparison
//   - ClassifyIP / IsLoopbackHostname: redirect URI host classification
package util
