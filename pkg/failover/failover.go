package failover

type NodeId string

type NodeAddress string

type NodeSet map[NodeId]NodeData

type NodeData struct {
	LocalAddress  NodeAddress `json:"localAddress"`
	PublicAddress NodeAddress `json:"publicAddress"`
}

type Priority int

type Role string

const (
	RoleInit   Role = "init"
	RoleBackup Role = "backup"
	RoleMaster Role = "master"
	RoleFault  Role = "fault"
)

type Sequence int64

// VirtualAddress is the shared service address contended for by the
// nodes. It is bound and released by the transition executor only.
type VirtualAddress string
