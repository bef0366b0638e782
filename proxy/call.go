package proxy

// Call 标识被拦截的方法，在方法入口处确定，分发逻辑只比较该值
type Call int

const (
	CallOther Call = iota

	// 生命周期调用，关闭后仍然允许
	CallClose
	CallAbort
	CallIsClosed
	CallIsValid

	// 父对象访问
	CallParent

	// 连接
	CallCreateStatement
	CallPrepareStatement
	CallPrepareCall
	CallMetaData
	CallBegin
	CallCommit
	CallRollback
	CallSetAutoCommit
	CallAutoCommit
	CallSetReadOnly
	CallSetTransactionIsolation
	CallClearWarnings
	CallWarnings

	// 语句
	CallSetParam
	CallClearParams
	CallExec
	CallQuery
	CallExecSQL
	CallQuerySQL
	CallCancel
	CallSetMaxRows

	// 结果集
	CallColumns
	CallNext
	CallScan

	// 元数据
	CallProductName
	CallProductVersion
	CallDriverName
	CallURL
	CallUserName
	CallTables
)

var callNames = [...]string{
	CallOther:                   "other",
	CallClose:                   "close",
	CallAbort:                   "abort",
	CallIsClosed:                "isClosed",
	CallIsValid:                 "isValid",
	CallParent:                  "parent",
	CallCreateStatement:         "createStatement",
	CallPrepareStatement:        "prepareStatement",
	CallPrepareCall:             "prepareCall",
	CallMetaData:                "metaData",
	CallBegin:                   "begin",
	CallCommit:                  "commit",
	CallRollback:                "rollback",
	CallSetAutoCommit:           "setAutoCommit",
	CallAutoCommit:              "autoCommit",
	CallSetReadOnly:             "setReadOnly",
	CallSetTransactionIsolation: "setTransactionIsolation",
	CallClearWarnings:           "clearWarnings",
	CallWarnings:                "warnings",
	CallSetParam:                "setParam",
	CallClearParams:             "clearParams",
	CallExec:                    "exec",
	CallQuery:                   "query",
	CallExecSQL:                 "execSQL",
	CallQuerySQL:                "querySQL",
	CallCancel:                  "cancel",
	CallSetMaxRows:              "setMaxRows",
	CallColumns:                 "columns",
	CallNext:                    "next",
	CallScan:                    "scan",
	CallProductName:             "productName",
	CallProductVersion:          "productVersion",
	CallDriverName:              "driverName",
	CallURL:                     "url",
	CallUserName:                "userName",
	CallTables:                  "tables",
}

func (c Call) String() string {
	if c >= 0 && int(c) < len(callNames) {
		return callNames[c]
	}
	return "unknown"
}

// Unrestricted 报告该调用在代理关闭后是否仍然允许
func (c Call) Unrestricted() bool {
	switch c {
	case CallClose, CallAbort, CallIsClosed, CallIsValid:
		return true
	}
	return false
}
