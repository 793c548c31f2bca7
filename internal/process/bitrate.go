package process

import "firestige.xyz/dcamera/internal/core"

type bitrateEntry struct {
	pixels  int
	bitrate int64
}

// encoderBitrateTable maps a resolution's pixel count to the encoder bitrate.
var encoderBitrateTable = []bitrateEntry{
	{320 * 240, 400000},
	{480 * 360, 960000},
	{640 * 360, 1280000},
	{640 * 480, 1536000},
	{960 * 540, 2304000},
	{1280 * 720, 4608000},
	{1920 * 1080, 10137600},
}

// selectBitrate returns the bitrate of the entry closest in pixel count. Ties
// keep the earlier entry. ok is false for an empty table.
func selectBitrate(table []bitrateEntry, pixels int) (bitrate int64, ok bool) {
	bestDiff := -1
	for _, e := range table {
		diff := e.pixels - pixels
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			bitrate = e.bitrate
		}
	}
	return bitrate, bestDiff >= 0
}

// encoderBitrate is selectBitrate over the built-in table.
func encoderBitrate(cfg core.VideoConfigParams) (int64, bool) {
	return selectBitrate(encoderBitrateTable, cfg.Width()*cfg.Height())
}
