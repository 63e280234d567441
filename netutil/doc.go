/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package netutil contains network helpers: connection filtering by remote address and custom DNS resolving.
package netutil
