package controller

import (
	"github.com/sirupsen/logrus"

	"mailpilot/blobstore"
	"mailpilot/summarizer"
	"mailpilot/syncer"
	"mailpilot/utils"
)

// Shared handler dependencies, wired once from main. The DB handle stays
// on config.DB like everything else.
var (
	cipher    *utils.UserCipher
	engine    *syncer.Syncer
	blobs     *blobstore.Store
	summaries summarizer.Summarizer
	logger    *logrus.Entry
)

// Deps carries everything the handlers need beyond config globals.
type Deps struct {
	Cipher     *utils.UserCipher
	Engine     *syncer.Syncer
	Blobs      *blobstore.Store // nil when object storage is not configured
	Summarizer summarizer.Summarizer
	Logger     *logrus.Entry
}

func Init(d Deps) {
	cipher = d.Cipher
	engine = d.Engine
	blobs = d.Blobs
	summaries = d.Summarizer
	logger = d.Logger
}
