package monty

// OsFunction is the enumerated, stable suspend-call vocabulary for
// filesystem and environment access.  The core never executes these
// itself: the VM suspends and the host performs the operation.
//
// NOTE: changing the order of these variants will break snapshot ABI.
type OsFunction uint8

const (
	OsPathExists OsFunction = iota
	OsIsFile
	OsIsDir
	OsReadText
	OsReadBytes
	OsWriteText
	OsWriteBytes
	OsMkdir
	OsRmdir
	OsUnlink
	OsRename
	OsIterDir
	OsStat
	OsResolve
	OsAbsolute
	OsGetEnvVar
	OsGetEnvironment
	osFunctionCount_
)

var osFunctionNames = [osFunctionCount_]string{
	OsPathExists:     "path_exists",
	OsIsFile:         "is_file",
	OsIsDir:          "is_dir",
	OsReadText:       "read_text",
	OsReadBytes:      "read_bytes",
	OsWriteText:      "write_text",
	OsWriteBytes:     "write_bytes",
	OsMkdir:          "mkdir",
	OsRmdir:          "rmdir",
	OsUnlink:         "unlink",
	OsRename:         "rename",
	OsIterDir:        "iterdir",
	OsStat:           "stat",
	OsResolve:        "resolve",
	OsAbsolute:       "absolute",
	OsGetEnvVar:      "getenv",
	OsGetEnvironment: "environ",
}

func (f OsFunction) String() string {
	if f < osFunctionCount_ {
		return osFunctionNames[f]
	}
	return "unknown"
}

// osMethodTable maps os-module method names to their suspend calls.
var osMethodTable = map[staticString]OsFunction{
	ssGetenv:     OsGetEnvVar,
	ssExists:     OsPathExists,
	ssIsFile:     OsIsFile,
	ssIsDir:      OsIsDir,
	ssReadText:   OsReadText,
	ssReadBytes:  OsReadBytes,
	ssWriteText:  OsWriteText,
	ssWriteBytes: OsWriteBytes,
	ssMkdir:      OsMkdir,
	ssRmdir:      OsRmdir,
	ssUnlink:     OsUnlink,
	ssRename:     OsRename,
	ssIterdir:    OsIterDir,
	ssStat:       OsStat,
	ssResolve:    OsResolve,
	ssAbsolute:   OsAbsolute,
}
