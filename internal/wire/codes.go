package wire

// Code identifies a wire message's meaning; it occupies the first four
// bytes of every frame header. Values are assigned sequentially by this
// port rather than reproduced from the original's header (not present in
// the retrieved source) — see DESIGN.md.
type Code uint32

const (
	QueryWrite Code = iota + 1
	OriginWriteOK
	OriginWriteError
	SnapshotWriteOK
	SnapshotWriteError
	QuerySnapshotRead
	SnapshotReadOK
	SnapshotReadOriginOK
	FinishSnapshotRead
	Identify
	IdentifyOK
	IdentifyError
	CreateSnapshot
	CreateSnapshotOK
	CreateSnapshotError
	DeleteSnapshot
	DeleteSnapshotOK
	DeleteSnapshotError
	InitializeSnapstore
	DumpTree
	StartServer
	ListSnapshots
	SnapshotList
	Priority
	PriorityOK
	PriorityError
	UseCount
	UseCountOK
	UseCountError
	StreamChangelist
	StreamChangelistOK
	StreamChangelistError
	Status
	StatusOK
	StatusError
	RequestOriginSectors
	OriginSectors
	ShutdownServer
	ProtocolError
	UploadLock
	FinishUploadLock
)

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "UNKNOWN_CODE"
}

var codeNames = map[Code]string{
	QueryWrite:            "QUERY_WRITE",
	OriginWriteOK:         "ORIGIN_WRITE_OK",
	OriginWriteError:      "ORIGIN_WRITE_ERROR",
	SnapshotWriteOK:       "SNAPSHOT_WRITE_OK",
	SnapshotWriteError:    "SNAPSHOT_WRITE_ERROR",
	QuerySnapshotRead:     "QUERY_SNAPSHOT_READ",
	SnapshotReadOK:        "SNAPSHOT_READ_OK",
	SnapshotReadOriginOK:  "SNAPSHOT_READ_ORIGIN_OK",
	FinishSnapshotRead:    "FINISH_SNAPSHOT_READ",
	Identify:              "IDENTIFY",
	IdentifyOK:            "IDENTIFY_OK",
	IdentifyError:         "IDENTIFY_ERROR",
	CreateSnapshot:        "CREATE_SNAPSHOT",
	CreateSnapshotOK:      "CREATE_SNAPSHOT_OK",
	CreateSnapshotError:   "CREATE_SNAPSHOT_ERROR",
	DeleteSnapshot:        "DELETE_SNAPSHOT",
	DeleteSnapshotOK:      "DELETE_SNAPSHOT_OK",
	DeleteSnapshotError:   "DELETE_SNAPSHOT_ERROR",
	InitializeSnapstore:   "INITIALIZE_SNAPSTORE",
	DumpTree:              "DUMP_TREE",
	StartServer:           "START_SERVER",
	ListSnapshots:         "LIST_SNAPSHOTS",
	SnapshotList:          "SNAPSHOT_LIST",
	Priority:              "PRIORITY",
	PriorityOK:            "PRIORITY_OK",
	PriorityError:         "PRIORITY_ERROR",
	UseCount:              "USECOUNT",
	UseCountOK:            "USECOUNT_OK",
	UseCountError:         "USECOUNT_ERROR",
	StreamChangelist:      "STREAM_CHANGELIST",
	StreamChangelistOK:    "STREAM_CHANGELIST_OK",
	StreamChangelistError: "STREAM_CHANGELIST_ERROR",
	Status:                "STATUS",
	StatusOK:              "STATUS_OK",
	StatusError:           "STATUS_ERROR",
	RequestOriginSectors:  "REQUEST_ORIGIN_SECTORS",
	OriginSectors:         "ORIGIN_SECTORS",
	ShutdownServer:        "SHUTDOWN_SERVER",
	ProtocolError:         "PROTOCOL_ERROR",
	UploadLock:            "UPLOAD_LOCK",
	FinishUploadLock:      "FINISH_UPLOAD_LOCK",
}

// ErrorCode is the u32 diagnostic code carried in the body of every
// *_ERROR/PROTOCOL_ERROR reply.
type ErrorCode uint32

const (
	ErrInvalidSnapshot ErrorCode = iota + 1
	ErrUseCount
	ErrSizeMismatch
	ErrOffsetMismatch
	ErrUnknownMessage
)
