package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
)

// torrentFile is the on-disk description of a torrent to add: a yaml
// stand-in for a real .torrent file's decoded info dictionary, since
// bencode parsing is a metainfo-file concern the core has no part in.
type torrentFile struct {
	Name         string     `yaml:"name"`
	InfoHash     string     `yaml:"info_hash"`
	TotalLength  int64      `yaml:"total_length"`
	PieceLength  int64      `yaml:"piece_length"`
	PieceHashes  []string   `yaml:"piece_hashes"`
	TrackerTiers [][]string `yaml:"tracker_tiers"`
}

func loadMetaInfo(path string) (collab.MetaInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return collab.MetaInfo{}, err
	}
	var tf torrentFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return collab.MetaInfo{}, fmt.Errorf("parse %s: %s", path, err)
	}

	infoHash, err := core.NewInfoHashFromHex(tf.InfoHash)
	if err != nil {
		return collab.MetaInfo{}, fmt.Errorf("%s: info_hash: %s", path, err)
	}

	hashes := make([][20]byte, len(tf.PieceHashes))
	for i, h := range tf.PieceHashes {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != 20 {
			return collab.MetaInfo{}, fmt.Errorf("%s: piece_hashes[%d]: invalid sha1 hex", path, i)
		}
		copy(hashes[i][:], b)
	}

	return collab.MetaInfo{
		Name:         tf.Name,
		InfoHash:     infoHash,
		TotalLength:  tf.TotalLength,
		PieceLength:  tf.PieceLength,
		PieceHashes:  hashes,
		TrackerTiers: tf.TrackerTiers,
	}, nil
}
