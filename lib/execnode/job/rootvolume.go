// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"context"
	"os"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/docker/docker/pkg/archive"
)

// unpackLayers extracts the given layer tarballs, in order, into a
// fresh directory at rootPath. Whiteout entries in later layers
// remove files added by earlier ones.
func unpackLayers(ctx context.Context, rootPath string, layers []string) error {
	if err := os.RemoveAll(rootPath); err != nil {
		return err
	}
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return err
	}
	for i, path := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = archive.Untar(f, rootPath, &archive.TarOptions{NoLchown: os.Getuid() != 0})
		f.Close()
		if err != nil {
			return nodeapi.NewError(nodeapi.ErrorLayerUnpackingFailed, "failed to unpack layer %d", i).Wrap(err)
		}
	}
	return nil
}
