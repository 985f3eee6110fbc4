package rpc

// Progress message kinds, exactly as enumerated in spec.md §6.
const (
	KindStart                 = "START"
	KindWorkerStart           = "WORKER_START"
	KindThreadEndedOnWorker   = "THREAD_ENDED_ON_WORKER"
	KindStageEndedOnWorker    = "STAGE_ENDED_ON_WORKER"
	KindStageEnded            = "STAGE_ENDED"
	KindResult                = "RESULT"
	KindDone                  = "DONE"
	KindError                 = "ERROR" // terminal failure, not in spec.md's list but required by §7's "terminal progress message"
)

// HTTP endpoint paths for the three roles' RPC surfaces (spec.md §6).
const (
	PeerListPeers   = "/list_peers"
	PeerStartWorker = "/start_worker"
	PeerExecute     = "/execute"
	PeerStat        = "/stat"

	CoordGetDestinations   = "/get_destinations"
	CoordStageThreadEnded  = "/stage_thread_ended"
	CoordStageEnded        = "/stage_ended"
	CoordNotifyResult      = "/notify_client_of_result"
	CoordReportError       = "/report_error"
	CoordStat              = "/stat"

	WorkerInitialize  = "/initialize"
	WorkerRunStage    = "/run_stage"
	WorkerStageEnded  = "/stage_ended"
	WorkerGatherAddr  = "/get_gatherer_addr"
	WorkerShutdown    = "/shutdown"
	WorkerStat        = "/stat"
)
