// Package shared holds helpers used across the licensing packages that
// belong to no single layer.
//
// # Test Utilities
//
// The testutil subpackage provides:
//
//   - Authority fixtures: RSA signing keys, license document builders and
//     activation key issuance for a known authority secret
//   - A buffered slog handler for asserting on log output
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    auth := testutil.NewAuthority(t, "vendor")
//	    lic := testutil.NewLicense("L1").WithThings(5).WithPlugin(pluginID).Build()
//	    doc := testutil.Document(t, auth, lic)
//	    ...
//	}
package shared
