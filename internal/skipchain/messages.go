package skipchain

import "github.com/google/uuid"

// ServiceName is the path prefix of every skipchain message.
const ServiceName = "Skipchain"

// Wire names of the skipchain messages.
const (
	MsgGetUpdateChain             = "GetUpdateChain"
	MsgGetUpdateChainReply        = "GetUpdateChainReply"
	MsgGetSingleBlock             = "GetSingleBlock"
	MsgSkipBlock                  = "SkipBlock"
	MsgGetSingleBlockByIndex      = "GetSingleBlockByIndex"
	MsgGetSingleBlockByIndexReply = "GetSingleBlockByIndexReply"
	MsgGetAllSkipChainIDs         = "GetAllSkipChainIDs"
	MsgGetAllSkipChainIDsReply    = "GetAllSkipChainIDsReply"
	MsgStoreSkipBlock             = "StoreSkipBlock"
	MsgStoreSkipBlockReply        = "StoreSkipBlockReply"
	MsgCosiAnnounce               = "CosiAnnounce"
	MsgCosiCommitment             = "CosiCommitment"
	MsgCosiChallenge              = "CosiChallenge"
	MsgCosiResponse               = "CosiResponse"
	MsgPropagateBlocks            = "PropagateBlocks"
	MsgPropagateBlocksReply       = "PropagateBlocksReply"
)

// GetUpdateChain asks for the blocks from LatestID to the newest known block,
// following the highest forward links.
type GetUpdateChain struct {
	LatestID SkipBlockID
}

// GetUpdateChainReply lists the blocks, starting with LatestID.
type GetUpdateChainReply struct {
	Update []*SkipBlock
}

// GetSingleBlock asks for one block. The reply is a SkipBlock.
type GetSingleBlock struct {
	ID SkipBlockID
}

type GetSingleBlockByIndex struct {
	Genesis SkipBlockID
	Index   int
}

// GetSingleBlockByIndexReply holds the block and the forward links leading to
// it from the genesis block.
type GetSingleBlockByIndexReply struct {
	SkipBlock *SkipBlock
	Links     []*ForwardLink
}

type GetAllSkipChainIDs struct{}

type GetAllSkipChainIDsReply struct {
	IDs []SkipBlockID
}

// StoreSkipBlock appends NewBlock to the chain containing TargetSkipChainID,
// or creates a new chain when TargetSkipChainID is empty.
type StoreSkipBlock struct {
	TargetSkipChainID SkipBlockID
	NewBlock          *SkipBlock
}

// StoreSkipBlockReply returns the previous latest block, with its new forward
// link, and the stored block. Previous is nil for a genesis block.
type StoreSkipBlockReply struct {
	Previous *SkipBlock
	Latest   *SkipBlock
}

// CosiAnnounce opens a signing round for Link. Proposed is the block the link
// points to, so members can check the link before committing.
type CosiAnnounce struct {
	Session  uuid.UUID
	Link     *ForwardLink
	Proposed *SkipBlock
}

type CosiCommitment struct {
	Session    uuid.UUID
	Commitment []byte
}

// CosiChallenge carries the aggregate commitment and the participation mask.
type CosiChallenge struct {
	Session    uuid.UUID
	Commitment []byte
	Mask       []byte
}

type CosiResponse struct {
	Session  uuid.UUID
	Response []byte
}

// PropagateBlocks pushes new or updated blocks to the members of a roster.
type PropagateBlocks struct {
	Blocks []*SkipBlock
}

type PropagateBlocksReply struct {
	Stored int
}

// Latest returns the last block of the update chain, or nil.
func (r *GetUpdateChainReply) Latest() *SkipBlock {
	if len(r.Update) == 0 {
		return nil
	}
	return r.Update[len(r.Update)-1]
}
