package controller

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/model"
)

func GetUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	user, err := model.GetUserById(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, user)
}

func AddUser(c *gin.Context) {
	var user model.User
	if err := c.ShouldBindJSON(&user); err != nil {
		respondErr(c, err)
		return
	}
	if err := user.Insert(); err != nil {
		respondErr(c, err)
		return
	}
	user.Password = ""
	respondOK(c, user)
}

func UpdateUser(c *gin.Context) {
	var user model.User
	if err := c.ShouldBindJSON(&user); err != nil {
		respondErr(c, err)
		return
	}
	if err := user.Update(); err != nil {
		respondErr(c, err)
		return
	}
	user.Password = ""
	respondOK(c, user)
}

func DeleteUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	user := model.User{Id: id}
	if err := user.Delete(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}
