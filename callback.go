// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

package mapforge

import "github.com/kelindar/mapforge/internal/blockdecoder"

// Callback is the rendering sink a Decoder drives during ExecuteQuery.
// Coordinate and tag slices passed to either method are borrowed: they
// are only valid for the duration of the call and are reused on the
// next one, so an implementation that needs to retain them must copy.
type Callback = blockdecoder.Callback

// WaterBackgroundRenderer is an optional extension a Callback may also
// implement; when WithWaterBackground is enabled and every block
// visited for a query has its index entry's water flag set, the
// Decoder calls RenderWaterBackground once before returning.
type WaterBackgroundRenderer = blockdecoder.WaterBackgroundRenderer
