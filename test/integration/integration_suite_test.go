// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

//go:build integration

// Package integration provides end-to-end tests driving a full plugin
// runtime: HTTP module sources, the shared Lua interpreter, settings
// persistence, and the observability server together.
package integration

import (
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Plugin Runtime Suite")
}
