//go:build tools
// +build tools

// This file imports packages that are used when running go generate, or used
// during the development process but not otherwise depended on by built code.
//
//	go run golang.org/x/tools/cmd/goimports -local github.com/jbweber/homelab/cidrd -w .

package cidrd

import (
	_ "golang.org/x/tools/cmd/goimports"
)
