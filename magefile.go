// Copyright 2026 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"go/build"
	"os"

	"github.com/livekit/mageutil"
)

var Default = Build

const (
	imageName = "livekit/voicecall"
)

func Build() error {
	gopath := os.Getenv("GOPATH")
	if gopath == "" {
		gopath = build.Default.GOPATH
	}

	return mageutil.Run(context.Background(),
		fmt.Sprintf("go build -o %s/bin/voicecall ./cmd/voicecall", gopath),
	)
}

func Test() error {
	return mageutil.Run(context.Background(), "go test -race ./...")
}

func BuildDocker() error {
	return mageutil.Run(context.Background(),
		fmt.Sprintf("docker build -t %s:latest -f build/voicecall/Dockerfile .", imageName),
	)
}
