package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeUsernameExists     = 40001
	CodeEmailExists        = 40002
	CodePromptEmpty        = 40003
	CodeAttachmentInvalid  = 40004
	CodeUnauthorized       = 40100
	CodeInvalidCredentials = 40101
	CodeCollectionNotFound = 40401
	CodeMediaNotFound      = 40402
	CodeTurnInProgress     = 40901
	CodeSequenceConflict   = 40902
	CodeTooManyRequests    = 42900
	CodeInternalServer     = 50000
	CodeStorage            = 50001
	CodeProvider           = 50201
	CodeMediaStorage       = 50202
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
