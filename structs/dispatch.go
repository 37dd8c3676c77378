package structs

// ZeroOf returns an addressable pointer to the concrete message type t
// names, suitable as a decode target: the wire only carries an RPCType tag
// plus an opaque body, so the receiver must know which struct to allocate
// before it can decode into one.
func ZeroOf(t RPCType) (any, bool) {
	switch t {
	case TypeLaunchTask:
		return &LaunchTask{}, true
	case TypeKillTask:
		return &KillTask{}, true
	case TypeStopExecutor:
		return &StopExecutor{}, true
	case TypeRemoveFetchCommand:
		return &RemoveFetchCommand{}, true
	case TypeAddFetchCommand:
		return &AddFetchCommand{}, true
	case TypeRemoveAndAddResultCommand:
		return &RemoveAndAddResultCommand{}, true
	case TypeLockTask:
		return &LockTask{}, true
	case TypeUnlockTask:
		return &UnlockTask{}, true
	case TypeRegisterExecutor:
		return &RegisterExecutor{}, true
	case TypeStatusUpdate:
		return &StatusUpdate{}, true
	case TypeRegisterNewTask:
		return &RegisterNewTask{}, true
	case TypeReportBlockStatuses:
		return &ReportBlockStatuses{}, true
	case TypeReportTaskFinished:
		return &ReportTaskFinished{}, true
	case TypeReportTaskComputeSpeed:
		return &ReportTaskComputeSpeed{}, true
	case TypeReportBlockDownloadSpeed:
		return &ReportBlockDownloadSpeed{}, true
	case TypeTransferRemovedFetch:
		return &TransferRemovedFetch{}, true
	case TypeReviveOffers:
		return &ReviveOffers{}, true
	case TypeStopDriver:
		return &StopDriver{}, true
	case TypeStopExecutors:
		return &StopExecutors{}, true
	case TypeRemoveExecutor:
		return &RemoveExecutor{}, true
	case TypeRegisterClusterManager:
		return &RegisterClusterManager{}, true
	case TypeRequestExecutors:
		return &RequestExecutors{}, true
	case TypeKillExecutors:
		return &KillExecutors{}, true
	case TypeRetrieveSparkProps:
		return &RetrieveSparkProps{}, true
	case TypeRegisteredExecutor:
		return &RegisteredExecutor{}, true
	case TypeRegisterExecutorFailed:
		return &RegisterExecutorFailed{}, true
	default:
		return nil, false
	}
}
