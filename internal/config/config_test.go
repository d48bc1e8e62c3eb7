package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsEmptyNodeID(t *testing.T) {
	c := Default()
	c.NodeID = ""
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nodeId")
}

func TestValidateRejectsZeroPartitionCount(t *testing.T) {
	c := Default()
	c.PartitionCount = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partitionCount")
}

func TestValidateRejectsUnknownStorageAdapter(t *testing.T) {
	c := Default()
	c.Storage.Adapter = "mongodb"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.adapter")
}

func TestValidateAggregatesMultipleProblems(t *testing.T) {
	c := Default()
	c.NodeID = ""
	c.PartitionCount = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nodeId")
	assert.Contains(t, err.Error(), "partitionCount")
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestValidateRejectsPeerMissingAddress(t *testing.T) {
	c := Default()
	c.Peers = []PeerConfig{{NodeID: "node-1"}}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peers[0].address")
}

func TestValidateAcceptsWellFormedPeers(t *testing.T) {
	c := Default()
	c.Peers = []PeerConfig{{NodeID: "node-1", Address: "127.0.0.1:7000", Partitions: []uint32{0, 1}}}
	assert.NoError(t, c.Validate())
}
