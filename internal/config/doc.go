// Package config loads the configuration of the license node and its tools.
//
// # Configuration Sources
//
// Values are resolved in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. A YAML configuration file
//  3. Default values (lowest priority)
//
// # Environment Variables
//
// All variables use the MESHLICENSE prefix followed by the section name:
//
//	MESHLICENSE_SERVER_PORT=8080
//	MESHLICENSE_LICENSE_DIR=/var/lib/meshlicense/licenses
//	MESHLICENSE_LICENSE_AUTHORITY_SECRET=<concealed secret, hex or base64>
//	MESHLICENSE_LICENSE_TRUSTED_KEYS=vendor:keys/vendor.pem,partner:keys/partner.pem
//	MESHLICENSE_STORE_DRIVER=sqlite
//	MESHLICENSE_LOGGING_LEVEL=debug
//
// The configuration file is taken from MESHLICENSE_CONFIG when set, otherwise
// from config.yaml or configs/config.yaml in the working directory.
//
// # Paths
//
// Relative paths in the configuration are resolved against the directory of
// the executable, never the working directory, so a node behaves the same
// however it is started.
package config
